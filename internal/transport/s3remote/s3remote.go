// Package s3remote implements a transport whose remote root is a key prefix in
// an S3 bucket.
//
// A file at path p is stored under <prefix>/p. Directories exist either as a
// zero byte marker object <prefix>/p/ or implicitly through the keys below
// them. The local modification time of a pushed file is kept in the object
// metadata and restored when the file is pulled; the remote entry itself uses
// the object's LastModified so that a listing and a stat always agree.
package s3remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/tree"
)

const (
	Scheme      = "s3://"
	MetaModTime = "mtime"
)

var ErrInvalidAddress = errors.New("invalid s3 address")

// API is the subset of the S3 client used by the transport.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Address struct {
	Bucket string
	Prefix string
}

func IsAddress(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

func ParseAddress(s string) (Address, error) {
	if !IsAddress(s) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidAddress, s)
	}
	return Address{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

func (a Address) String() string {
	if a.Prefix == "" {
		return Scheme + a.Bucket
	}
	return Scheme + a.Bucket + "/" + a.Prefix
}

type Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type Remote struct {
	local *transport.Dir
	api   API
	addr  Address
}

var _ transport.Transport = (*Remote)(nil)

// Dial builds an S3 client from the default AWS configuration chain, with
// opts taking precedence.
func Dial(ctx context.Context, localRoot string, addr Address, opts Options) (*Remote, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithHTTPClient(httpClient)}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(localRoot, client, addr), nil
}

func New(localRoot string, api API, addr Address) *Remote {
	return &Remote{
		local: transport.NewDir(localRoot),
		api:   api,
		addr:  addr,
	}
}

func (r *Remote) String() string {
	return r.addr.String()
}

func (r *Remote) key(rel string) string {
	if r.addr.Prefix == "" {
		return rel
	}
	return r.addr.Prefix + "/" + rel
}

func (r *Remote) dirKey(rel string) string {
	return r.key(rel) + "/"
}

func (r *Remote) listPrefix() string {
	if r.addr.Prefix == "" {
		return ""
	}
	return r.addr.Prefix + "/"
}

func (r *Remote) List(ctx context.Context) (tree.Snapshot, error) {
	snap := make(tree.Snapshot)
	dirs := make(map[string]struct{})

	prefix := r.listPrefix()
	pager := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.addr.Bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, r.fail(transport.OpList, "", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rel == "" {
				continue
			}
			if strings.HasSuffix(rel, "/") {
				rel = strings.TrimSuffix(rel, "/")
				if rel != "" {
					dirs[rel] = struct{}{}
				}
			} else {
				snap[rel] = tree.NewFile(rel, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified))
			}
			for _, parent := range tree.Ancestors(rel) {
				dirs[parent] = struct{}{}
			}
		}
	}

	for d := range dirs {
		snap[d] = tree.NewDir(d)
	}
	return snap, nil
}

func (r *Remote) Stat(ctx context.Context, rel string) (tree.Entry, bool, error) {
	key := r.key(rel)
	out, err := r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.addr.Bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return tree.Entry{}, false, r.fail(transport.OpStat, rel, err)
	}
	if len(out.Contents) > 0 && aws.ToString(out.Contents[0].Key) == key {
		obj := out.Contents[0]
		return tree.NewFile(rel, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified)), true, nil
	}

	out, err = r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.addr.Bucket),
		Prefix:  aws.String(r.dirKey(rel)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return tree.Entry{}, false, r.fail(transport.OpStat, rel, err)
	}
	if len(out.Contents) > 0 {
		return tree.NewDir(rel), true, nil
	}
	return tree.Entry{}, false, nil
}

func (r *Remote) Push(ctx context.Context, rel string) (tree.Entry, error) {
	f, src, _, err := r.local.Open(rel)
	if err != nil {
		return tree.Entry{}, transport.Wrap(transport.OpPush, rel, err)
	}
	if f == nil {
		if err := r.putDirMarker(ctx, rel); err != nil {
			return tree.Entry{}, r.fail(transport.OpPush, rel, err)
		}
		return tree.NewDir(rel), nil
	}
	defer f.Close()

	if err := r.removeDirMarker(ctx, rel); err != nil {
		return tree.Entry{}, r.fail(transport.OpPush, rel, err)
	}
	_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.addr.Bucket),
		Key:           aws.String(r.key(rel)),
		Body:          f,
		ContentLength: aws.Int64(src.Size),
		Metadata:      map[string]string{MetaModTime: src.ModTime.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPush, rel, err)
	}

	entry, ok, err := r.Stat(ctx, rel)
	if err != nil {
		return tree.Entry{}, err
	}
	if !ok || entry.IsDir() {
		return tree.Entry{}, transport.Wrap(transport.OpPush, rel, fmt.Errorf("%s not listed after upload", rel))
	}
	return entry, nil
}

func (r *Remote) Pull(ctx context.Context, rel string) (tree.Entry, error) {
	entry, ok, err := r.Stat(ctx, rel)
	if err != nil {
		return tree.Entry{}, err
	}
	if !ok {
		return tree.Entry{}, transport.Wrap(transport.OpPull, rel, transport.ErrSourceMissing)
	}
	if entry.IsDir() {
		entry, err := r.local.Mkdir(rel)
		return entry, transport.Wrap(transport.OpPull, rel, err)
	}

	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.addr.Bucket),
		Key:    aws.String(r.key(rel)),
	})
	if err != nil {
		return tree.Entry{}, r.fail(transport.OpPull, rel, err)
	}
	defer out.Body.Close()

	mtime := aws.ToTime(out.LastModified)
	if v, ok := out.Metadata[MetaModTime]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			mtime = t
		}
	}
	local, err := r.local.WriteFile(ctx, rel, out.Body, mtime, 0)
	if err != nil {
		return tree.Entry{}, transport.Wrap(transport.OpPull, rel, err)
	}
	return local, nil
}

func (r *Remote) DeleteLocal(_ context.Context, rel string) error {
	return transport.Wrap(transport.OpDeleteLocal, rel, r.local.Remove(rel))
}

func (r *Remote) DeleteRemote(ctx context.Context, rel string) error {
	entry, ok, err := r.Stat(ctx, rel)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if entry.IsDir() {
		return transport.Wrap(transport.OpDeleteRemote, rel, r.removeDirMarker(ctx, rel))
	}
	_, err = r.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.addr.Bucket),
		Key:    aws.String(r.key(rel)),
	})
	if err != nil {
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	return nil
}

func (r *Remote) Close() error {
	return nil
}

// children returns up to limit keys strictly below the directory rel,
// excluding its own marker.
func (r *Remote) children(ctx context.Context, rel string, limit int) ([]string, error) {
	marker := r.dirKey(rel)
	out, err := r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.addr.Bucket),
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(int32(limit + 1)),
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		k := aws.ToString(obj.Key)
		if k == marker {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// putDirMarker creates the marker of rel, replacing a file object of the same
// name.
func (r *Remote) putDirMarker(ctx context.Context, rel string) error {
	_, err := r.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.addr.Bucket),
		Key:    aws.String(r.key(rel)),
	})
	if err != nil {
		return err
	}
	_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.addr.Bucket),
		Key:           aws.String(r.dirKey(rel)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return err
}

// removeDirMarker deletes the marker of an empty directory. Content below rel
// makes it fail with ErrDirNotEmpty.
func (r *Remote) removeDirMarker(ctx context.Context, rel string) error {
	children, err := r.children(ctx, rel, 1)
	if err != nil {
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: %s", transport.ErrDirNotEmpty, rel)
	}
	_, err = r.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.addr.Bucket),
		Key:    aws.String(r.dirKey(rel)),
	})
	if err != nil {
		return r.fail(transport.OpDeleteRemote, rel, err)
	}
	return nil
}

// fail classifies err. Anything that did not produce an HTTP response, and a
// missing bucket, means the remote as a whole is gone.
func (r *Remote) fail(op, rel string, err error) error {
	var te *transport.Error
	switch {
	case errors.As(err, &te):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transport.ErrDirNotEmpty), errors.Is(err, transport.ErrSourceMissing):
		return transport.Wrap(op, rel, err)
	}

	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return transport.Wrap(op, rel, fmt.Errorf("%w: %w", transport.ErrSourceMissing, err))
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return transport.Unavailable(op, rel, err)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return transport.Wrap(op, rel, err)
	}
	return transport.Unavailable(op, rel, err)
}
