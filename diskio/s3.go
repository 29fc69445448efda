package diskio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// MinPartSize is the smallest part S3 accepts in a multipart upload, except
// for the last one.
const MinPartSize = 5 << 20

// S3API is the part of the s3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"forcepathstyle"`
	PartSize       int64  `mapstructure:"partsize"`
}

type S3 struct {
	client   S3API
	partSize int64
}

func NewS3(client S3API, partSize int64) *S3 {
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	return &S3{client: client, partSize: partSize}
}

// NewS3FromConfig builds the client from the default aws credential chain.
func NewS3FromConfig(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load aws config")
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3(s3.NewFromConfig(awsCfg, s3Opts...), cfg.PartSize), nil
}

func (s *S3) OpenForWrite(ctx context.Context, raw string) (WriteHandle, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != "s3" {
		return nil, errors.Errorf("%q is not an s3 location", raw)
	}
	return &s3Writer{ctx: ctx, s: s, bucket: loc.Bucket, key: loc.Path}, nil
}

func (s *S3) OpenForRead(ctx context.Context, raw string) (ReadHandle, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != "s3" {
		return nil, errors.Errorf("%q is not an s3 location", raw)
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.Errorf("s3 object %s not found", raw)
		}
		return nil, errors.Wrapf(err, "s3 head object %s", raw)
	}
	return &s3Reader{ctx: ctx, s: s, bucket: loc.Bucket, key: loc.Path, size: aws.ToInt64(head.ContentLength)}, nil
}

// s3Writer buffers sequential writes into parts. A file that never fills a
// part goes up with a single put on Close.
type s3Writer struct {
	ctx      context.Context
	s        *S3
	bucket   string
	key      string
	buf      bytes.Buffer
	written  int64
	uploadID string
	parts    []types.CompletedPart
}

func (w *s3Writer) WriteAt(p []byte, off int64) error {
	if off != w.written {
		return errors.Errorf("s3 object %s/%s: write at %d, expected %d", w.bucket, w.key, off, w.written)
	}
	w.buf.Write(p)
	w.written += int64(len(p))
	for int64(w.buf.Len()) >= w.s.partSize {
		if err := w.uploadPart(w.buf.Next(int(w.s.partSize))); err != nil {
			return err
		}
	}
	return nil
}

func (w *s3Writer) uploadPart(data []byte) error {
	if w.uploadID == "" {
		out, err := w.s.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return errors.Wrapf(err, "unable to create multipart upload for %s/%s", w.bucket, w.key)
		}
		if out.UploadId == nil {
			return errors.New("no upload id found in start upload request")
		}
		w.uploadID = *out.UploadId
	}
	partNum := aws.Int32(int32(len(w.parts) + 1))
	out, err := w.s.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		PartNumber: partNum,
		UploadId:   aws.String(w.uploadID),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "error uploading part %d of %s/%s", *partNum, w.bucket, w.key)
	}
	w.parts = append(w.parts, types.CompletedPart{ETag: out.ETag, PartNumber: partNum})
	return nil
}

func (w *s3Writer) Close() error {
	if w.uploadID == "" {
		_, err := w.s.client.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(w.key),
			Body:   bytes.NewReader(w.buf.Bytes()),
		})
		return errors.Wrapf(err, "s3 put object %s/%s", w.bucket, w.key)
	}
	if w.buf.Len() > 0 {
		if err := w.uploadPart(w.buf.Bytes()); err != nil {
			w.Abort()
			return err
		}
		w.buf.Reset()
	}
	_, err := w.s.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		w.Abort()
		return errors.Wrapf(err, "unable to complete multipart upload of %s/%s", w.bucket, w.key)
	}
	return nil
}

func (w *s3Writer) Abort() error {
	w.buf.Reset()
	if w.uploadID == "" {
		return nil
	}
	_, err := w.s.client.AbortMultipartUpload(w.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	w.uploadID = ""
	return errors.Wrapf(err, "unable to abort multipart upload of %s/%s", w.bucket, w.key)
}

type s3Reader struct {
	ctx    context.Context
	s      *S3
	bucket string
	key    string
	size   int64
}

func (r *s3Reader) Size() int64  { return r.size }
func (r *s3Reader) Close() error { return nil }

// ReadAt does one ranged get per call.
func (r *s3Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	resp, err := r.s.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "s3 get object range %s/%s", r.bucket, r.key)
	}
	defer resp.Body.Close()
	n, err := io.ReadFull(resp.Body, p[:end-off])
	if err != nil {
		return n, errors.Wrapf(err, "read s3 object body %s/%s", r.bucket, r.key)
	}
	if end-off < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func isNotFoundError(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound")
}
