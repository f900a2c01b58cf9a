// Package sshremote implements a transport whose remote root lives on a host
// reachable over SSH, accessed through the SFTP subsystem.
package sshremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/utils"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 15 * time.Second

var defaultIdentities = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

type Options struct {
	// Identity is a private key file. Empty tries the usual keys in ~/.ssh.
	Identity string
	// KnownHosts is the known_hosts file used to verify the host key.
	KnownHosts string
	DialTimeout time.Duration
}

type Remote struct {
	local   *transport.Dir
	client  *sftp.Client
	root    string
	closers []io.Closer
	addr    string
}

var _ transport.Transport = (*Remote)(nil)

// Dial connects to addr and binds the remote root to localRoot.
func Dial(ctx context.Context, localRoot string, addr Address, opts Options) (*Remote, error) {
	config, err := clientConfig(addr, opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, transport.Unavailable("dial", addr.String(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr.HostPort(), config)
	if err != nil {
		conn.Close()
		return nil, transport.Unavailable("handshake", addr.String(), err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, transport.Unavailable("sftp", addr.String(), err)
	}

	r, err := New(localRoot, client, addr.Path, sshClient)
	if err != nil {
		client.Close()
		sshClient.Close()
		return nil, err
	}
	r.addr = addr.String()
	return r, nil
}

// New binds an established SFTP session to localRoot. Closing the Remote
// closes client and then closers.
func New(localRoot string, client *sftp.Client, remotePath string, closers ...io.Closer) (*Remote, error) {
	root, err := client.RealPath(remotePath)
	if err != nil {
		return nil, transport.Wrap("resolve", remotePath, err)
	}
	info, err := client.Stat(root)
	if err != nil {
		return nil, transport.Wrap("resolve", root, err)
	}
	if !info.IsDir() {
		return nil, transport.Wrap("resolve", root, tree.ErrNotDir)
	}
	return &Remote{
		local:   transport.NewDir(localRoot),
		client:  client,
		root:    root,
		closers: closers,
		addr:    root,
	}, nil
}

func (r *Remote) String() string {
	return r.addr
}

func (r *Remote) abs(rel string) string {
	return path.Join(r.root, rel)
}

func (r *Remote) List(ctx context.Context) (tree.Snapshot, error) {
	if _, err := r.client.Stat(r.root); err != nil {
		return nil, transport.Unavailable(transport.OpList, "", err)
	}

	snap := make(tree.Snapshot)
	walker := r.client.Walk(r.root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := walker.Path()
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) && p != r.root {
				continue
			}
			return nil, r.fail(transport.OpList, p, err)
		}
		if p == r.root {
			continue
		}
		rel := strings.TrimPrefix(p, r.root+"/")

		info := walker.Stat()
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := r.client.Stat(p)
			if err != nil {
				slog.Warn("scan", "op", "SKIPPED", "reason", "unresolvable symlink", "path", rel, "error", err)
				continue
			}
			info = target
		}
		if entry, ok := fromInfo(rel, info); ok {
			snap[rel] = entry
		}
	}
	return snap, nil
}

func (r *Remote) Stat(_ context.Context, rel string) (tree.Entry, bool, error) {
	info, err := r.client.Stat(r.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tree.Entry{}, false, nil
		}
		return tree.Entry{}, false, r.fail(transport.OpStat, rel, err)
	}
	entry, ok := fromInfo(rel, info)
	return entry, ok, nil
}

func (r *Remote) Push(ctx context.Context, rel string) (tree.Entry, error) {
	f, src, perm, err := r.local.Open(rel)
	if err != nil {
		return tree.Entry{}, transport.Wrap(transport.OpPush, rel, err)
	}
	if f == nil {
		if err := r.mkdir(rel); err != nil {
			return tree.Entry{}, r.fail(transport.OpPush, rel, err)
		}
		return tree.NewDir(rel), nil
	}
	defer f.Close()

	if err := r.writeFile(ctx, rel, f, src.ModTime, perm); err != nil {
		return tree.Entry{}, r.fail(transport.OpPush, rel, err)
	}
	entry, ok, err := r.Stat(ctx, rel)
	if err != nil {
		return tree.Entry{}, err
	}
	if !ok {
		return tree.Entry{}, r.fail(transport.OpPush, rel, fmt.Errorf("%s vanished after write", rel))
	}
	return entry, nil
}

func (r *Remote) Pull(ctx context.Context, rel string) (tree.Entry, error) {
	info, err := r.client.Stat(r.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", transport.ErrSourceMissing, err)
		}
		return tree.Entry{}, r.fail(transport.OpPull, rel, err)
	}
	if info.IsDir() {
		entry, err := r.local.Mkdir(rel)
		return entry, transport.Wrap(transport.OpPull, rel, err)
	}

	f, err := r.client.Open(r.abs(rel))
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPull, rel, err)
	}
	defer f.Close()

	entry, err := r.local.WriteFile(ctx, rel, f, info.ModTime(), info.Mode().Perm())
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPull, rel, err)
	}
	return entry, nil
}

func (r *Remote) DeleteLocal(_ context.Context, rel string) error {
	return transport.Wrap(transport.OpDeleteLocal, rel, r.local.Remove(rel))
}

func (r *Remote) DeleteRemote(_ context.Context, rel string) error {
	p := r.abs(rel)
	info, err := r.client.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	if !info.IsDir() {
		if err := r.client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return r.fail(transport.OpDeleteRemote, rel, err)
		}
		return nil
	}
	if err := r.client.RemoveDirectory(p); err != nil {
		if entries, rerr := r.client.ReadDir(p); rerr == nil && len(entries) > 0 {
			return transport.Wrap(transport.OpDeleteRemote, rel, transport.ErrDirNotEmpty)
		}
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	return nil
}

func (r *Remote) Close() error {
	errs := []error{r.client.Close()}
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (r *Remote) mkdir(rel string) error {
	p := r.abs(rel)
	if info, err := r.client.Lstat(p); err == nil && !info.IsDir() {
		if err := r.client.Remove(p); err != nil {
			return err
		}
	}
	return r.client.MkdirAll(p)
}

// writeFile uploads to a temp file beside the destination, sets its mode and
// mtime and renames it over the destination.
func (r *Remote) writeFile(ctx context.Context, rel string, src io.Reader, mtime time.Time, perm fs.FileMode) error {
	dst := r.abs(rel)
	dir := path.Dir(dst)
	if err := r.client.MkdirAll(dir); err != nil {
		return err
	}
	if info, err := r.client.Lstat(dst); err == nil && info.IsDir() {
		if err := r.client.RemoveDirectory(dst); err != nil {
			return fmt.Errorf("%w: %s", transport.ErrDirNotEmpty, rel)
		}
	}

	tmp := path.Join(dir, "."+path.Base(dst)+strings.Replace(transport.TempPattern, "*", uuid.NewString()[:8], 1))
	f, err := r.client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			r.client.Remove(tmp)
		}
	}()

	if _, err := io.Copy(f, transport.ContextReader(ctx, src)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := r.client.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := r.client.Chtimes(tmp, mtime, mtime); err != nil {
		return err
	}
	if err := r.client.PosixRename(tmp, dst); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		if rerr := r.client.Remove(dst); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return err
		}
		if err := r.client.Rename(tmp, dst); err != nil {
			return err
		}
	}
	done = true
	return nil
}

// fail marks err as a loss of the remote when the root can no longer be
// reached over the session.
func (r *Remote) fail(op, rel string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transport.Wrap(op, rel, err)
	}
	if _, perr := r.client.Stat(r.root); perr != nil {
		return transport.Unavailable(op, rel, errors.Join(err, perr))
	}
	return transport.Wrap(op, rel, err)
}

func fromInfo(rel string, info fs.FileInfo) (tree.Entry, bool) {
	switch {
	case info.IsDir():
		return tree.NewDir(rel), true
	case info.Mode().IsRegular():
		return tree.NewFile(rel, info.Size(), info.ModTime()), true
	default:
		return tree.Entry{}, false
	}
}

func clientConfig(addr Address, opts Options) (*ssh.ClientConfig, error) {
	knownHostsPath := opts.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	knownHostsPath, err := utils.ResolvePath(knownHostsPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}

	auth, err := authMethods(opts.Identity)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            addr.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}, nil
}

func authMethods(identity string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			slog.Debug("ssh agent unavailable", "error", err)
		}
	}

	candidates := defaultIdentities
	if identity != "" {
		candidates = []string{identity}
	}
	var signers []ssh.Signer
	for _, c := range candidates {
		p, err := utils.ResolvePath(c)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			if identity == "" && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("identity %s: %w", p, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", p, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh identity or agent available")
	}
	return methods, nil
}
