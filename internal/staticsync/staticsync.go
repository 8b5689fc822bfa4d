// Package staticsync seeds the static directory from an S3 bucket before the
// server reports ready. Objects under Prefix are written to the same
// relative path under Dir; keys that would escape Dir are skipped.
package staticsync

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/sitekit/internal/cryptoutil"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/pathutil"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

// DefaultMaxObjectBytes caps a single object. Larger objects are skipped.
const DefaultMaxObjectBytes int64 = 100 << 20

var ErrChecksumMismatch = errors.New("staticsync: checksum mismatch")

// ObjectAPI is the part of *s3.Client the syncer uses.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	Bucket string
	Prefix string
	Dir    string

	// Overwrite replaces local files even when their size matches the object.
	Overwrite      bool
	MaxObjectBytes int64 // default: 100MB

	// Client defaults to an S3 client from the default AWS config chain.
	Client    ObjectAPI
	AWSConfig *aws.Config
	Logger    log.Logger
}

type Syncer struct {
	opts Options
}

// Result counts what Sync did.
type Result struct {
	Written int
	Skipped int
	Bytes   int64
}

func New(ctx context.Context, opts Options) (*Syncer, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.Dir == "" {
		return nil, xerrors.New("Dir is required")
	}
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = DefaultMaxObjectBytes
	}
	opts.Prefix = strings.TrimLeft(opts.Prefix, "/")
	opts.Logger = log.OrNop(opts.Logger)

	if opts.Client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		opts.Client = s3.NewFromConfig(awsCfg)
	}
	return &Syncer{opts: opts}, nil
}

// Sync copies every object under the prefix into Dir.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	var res Result
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return res, xerrors.Wrapf(err, "create %s", s.opts.Dir)
	}

	s.opts.Logger.Info(ctx, "syncing static files from s3", "bucket", s.opts.Bucket, "prefix", s.opts.Prefix, "dir", s.opts.Dir)

	p := s3.NewListObjectsV2Paginator(s.opts.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.opts.Prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return res, xerrors.Wrapf(err, "list s3://%s/%s", s.opts.Bucket, s.opts.Prefix)
		}
		for _, obj := range page.Contents {
			n, wrote, err := s.syncObject(ctx, obj)
			if err != nil {
				return res, err
			}
			if wrote {
				res.Written++
				res.Bytes += n
			} else {
				res.Skipped++
			}
		}
	}

	s.opts.Logger.Info(ctx, "static sync complete", "written", res.Written, "skipped", res.Skipped, "bytes", res.Bytes)
	return res, nil
}

func (s *Syncer) syncObject(ctx context.Context, obj types.Object) (int64, bool, error) {
	key := aws.ToString(obj.Key)
	rel := strings.TrimLeft(strings.TrimPrefix(key, s.opts.Prefix), "/")
	if rel == "" || strings.HasSuffix(key, "/") {
		return 0, false, nil
	}
	size := aws.ToInt64(obj.Size)
	if size > s.opts.MaxObjectBytes {
		s.opts.Logger.Warn(ctx, "skipping oversized object", "key", key, "size", size)
		return 0, false, nil
	}
	dst, ok := pathutil.SafeJoin(s.opts.Dir, strings.Split(rel, "/")...)
	if !ok {
		s.opts.Logger.Warn(ctx, "skipping unsafe key", "key", key)
		return 0, false, nil
	}
	if !s.opts.Overwrite {
		if info, err := os.Stat(dst); err == nil && info.Size() == size {
			return 0, false, nil
		}
	}

	out, err := s.opts.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(s.opts.Bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return 0, false, xerrors.Wrapf(err, "get s3://%s/%s", s.opts.Bucket, key)
	}
	defer out.Body.Close()

	n, sum, err := writeAtomic(dst, io.LimitReader(out.Body, s.opts.MaxObjectBytes+1))
	if err != nil {
		return 0, false, xerrors.Wrapf(err, "write %s", dst)
	}
	if n > s.opts.MaxObjectBytes {
		_ = os.Remove(dst)
		return 0, false, xerrors.Newf("object %s grew past %d bytes during download", key, s.opts.MaxObjectBytes)
	}
	// composite checksums of multipart uploads ("...-N") cannot be checked here
	if want := aws.ToString(out.ChecksumSHA256); want != "" && !strings.Contains(want, "-") {
		if !cryptoutil.HashEqual(want, base64.StdEncoding.EncodeToString(sum)) {
			_ = os.Remove(dst)
			return 0, false, xerrors.Wrapf(ErrChecksumMismatch, "s3://%s/%s", s.opts.Bucket, key)
		}
	}
	return n, true, nil
}

// writeAtomic writes r to a temp file beside dst and renames it into place.
func writeAtomic(dst string, r io.Reader) (int64, []byte, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sync-*")
	if err != nil {
		return 0, nil, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, nil, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, nil, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, nil, err
	}
	return n, h.Sum(nil), nil
}
