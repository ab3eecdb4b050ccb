package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	_ Provider       = (*S3Provider)(nil)
	_ MetadataSetter = (*S3Provider)(nil)
	_ Aborter        = (*asyncS3Writer)(nil)
)

var errUploadAborted = errors.New("upload aborted")

// mtimeKey is the user metadata entry carrying the source modification
// time, since S3 sets LastModified itself.
const mtimeKey = "gcopy-mtime"

// s3API is the part of *s3.Client the provider uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// uploader streams a body into an object, switching to multipart uploads
// for large bodies. *manager.Uploader implements it.
type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options tune how the S3 client is built.
type S3Options struct {
	// Region overrides the region from the shared AWS configuration.
	Region string
	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint string
	// PathStyle addresses buckets as endpoint/bucket instead of
	// bucket.endpoint. Most S3-compatible services need it.
	PathStyle bool
	// PartSize is the multipart upload part size in bytes. Zero keeps the
	// SDK default.
	PartSize int64
}

// S3Provider serves objects under an optional key prefix of one bucket.
// Directories are key prefixes ending in "/".
type S3Provider struct {
	client   s3API
	uploader uploader
	bucket   string
	prefix   string
}

// NewS3Provider creates a new S3Provider using the default AWS credential
// chain.
func NewS3Provider(ctx context.Context, bucket string, prefix string, opts S3Options) (*S3Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
	})

	return newS3Provider(client, up, bucket, prefix), nil
}

func newS3Provider(client s3API, up uploader, bucket, prefix string) *S3Provider {
	return &S3Provider{
		client:   client,
		uploader: up,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// ParseS3URL splits s3://bucket/prefix into its bucket and prefix.
func ParseS3URL(raw string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(raw, "s3://")
	if !found || rest == "" {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix, bucket != ""
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func dirKey(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

// isNotFound reports whether err is S3's answer for a missing key.
// isNotFound also checks the error code, since S3-compatible stores do not
// always produce the typed errors.
func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// Stat returns the FileInfo for pth. A key that only exists as a prefix of
// other keys is reported as a directory.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	if key != "" {
		head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		switch {
		case err == nil:
			return Info{
				FileName: path.Base(key),
				FileSize: aws.ToInt64(head.ContentLength),
				Dir:      strings.HasSuffix(key, "/"),
				Modified: objectModTime(head.Metadata, aws.ToTime(head.LastModified)),
			}, nil
		case !isNotFound(err):
			return nil, fmt.Errorf("stat %q: %w", pth, err)
		}
	}

	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirKey(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", pth, err)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return Info{FileName: path.Base(key), Dir: true}, nil
	}

	return nil, fmt.Errorf("stat %q: %w", pth, fs.ErrNotExist)
}

// objectModTime prefers the recorded source mtime over LastModified.
func objectModTime(meta map[string]string, lastModified time.Time) time.Time {
	if raw, ok := meta[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return lastModified
}

// List returns the immediate children of the directory pth.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := dirKey(p.buildKey(pth))

	var infos []FileInfo
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(dirPrefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, Info{FileName: name, Dir: true})
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			// The directory placeholder itself.
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			infos = append(infos, Info{
				FileName: name,
				FileSize: aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("open %q: %w", pth, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite streams writes into an upload. The object only becomes visible
// once Close succeeds; Abort discards it.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string) (io.WriteCloser, error) {
	key := p.buildKey(pth)
	pr, pw := io.Pipe()

	errChan := make(chan error, 1)

	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		errChan <- err
	}()

	return &asyncS3Writer{
		pw:      pw,
		errChan: errChan,
	}, nil
}

// Remove deletes the object at pth.
func (p *S3Provider) Remove(ctx context.Context, pth string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", pth, err)
	}
	return nil
}

// Mkdir writes a 0-byte object ending in '/', which is how S3 consoles
// display directories.
func (p *S3Provider) Mkdir(ctx context.Context, pth string) error {
	key := dirKey(p.buildKey(pth))
	if key == "" {
		return nil
	}

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("failed to write directory placeholder: %w", err)
	}
	return nil
}

func (p *S3Provider) Join(elem ...string) string {
	return path.Join(elem...)
}

// SetMetadata records the source modification time on the object by copying
// it onto itself with replaced user metadata. Mode bits have no S3
// equivalent and are ignored.
func (p *S3Provider) SetMetadata(ctx context.Context, pth string, info FileInfo) error {
	if info == nil || info.ModTime().IsZero() {
		return nil
	}
	key := p.buildKey(pth)
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(p.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(p.bucket + "/" + url.PathEscape(key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata: map[string]string{
			mtimeKey: info.ModTime().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("setting metadata on %q: %w", pth, err)
	}
	return nil
}

type asyncS3Writer struct {
	pw      *io.PipeWriter
	errChan <-chan error

	finished bool
	err      error
}

func (w *asyncS3Writer) Write(p []byte) (n int, err error) {
	return w.pw.Write(p)
}

func (w *asyncS3Writer) Close() error {
	if w.finished {
		return w.err
	}
	w.finished = true
	if err := w.pw.Close(); err != nil {
		w.err = err
		return err
	}
	// Wait for upload to complete
	if err := <-w.errChan; err != nil {
		w.err = fmt.Errorf("s3 upload failed: %w", err)
	}
	return w.err
}

// Abort fails the pipe so the uploader aborts the multipart upload, then
// waits for it to give up.
func (w *asyncS3Writer) Abort(err error) error {
	if w.finished {
		return w.err
	}
	w.finished = true
	if err == nil {
		err = errUploadAborted
	}
	w.pw.CloseWithError(err)
	<-w.errChan
	return nil
}
