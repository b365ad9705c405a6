// Package archive uploads captured frames to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Config locates the bucket
type Config struct {
	CellID    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Quality   int
}

// putter is the part of *minio.Client the archiver uses
type putter interface {
	PutObject(ctx context.Context, bucket, name string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO writes one JPEG per archived snapshot
type MinIO struct {
	client  putter
	cellID  string
	bucket  string
	quality int

	uploaded atomic.Uint64
	bytes    atomic.Uint64
}

// NewMinIO connects to the endpoint and creates the bucket when missing
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("archive bucket created", "bucket", cfg.Bucket)
	}

	return newMinIO(client, cfg), nil
}

func newMinIO(client putter, cfg Config) *MinIO {
	q := cfg.Quality
	if q <= 0 || q > 100 {
		q = 85
	}
	return &MinIO{
		client:  client,
		cellID:  cfg.CellID,
		bucket:  cfg.Bucket,
		quality: q,
	}
}

// Archive encodes the snapshot's frame and uploads it. Snapshots without
// a frame are skipped.
func (m *MinIO) Archive(ctx context.Context, snap types.FrameSnapshot) error {
	if snap.Image == nil {
		return nil
	}

	data, err := EncodeJPEG(*snap.Image, m.quality)
	if err != nil {
		return err
	}

	name := ObjectName(m.cellID, snap)
	_, err = m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
		UserMetadata: map[string]string{
			"trace-id": snap.TraceID,
			"items":    strconv.Itoa(len(snap.Items)),
			"source":   snap.Image.Source,
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	m.uploaded.Add(1)
	m.bytes.Add(uint64(len(data)))
	slog.Debug("frame archived", "object", name, "size", len(data), "trace_id", snap.TraceID)
	return nil
}

// Uploaded returns the number of objects and bytes written
func (m *MinIO) Uploaded() (objects, size uint64) {
	return m.uploaded.Load(), m.bytes.Load()
}

// ObjectName places frames under cell/date, named by capture time and trace id
func ObjectName(cellID string, snap types.FrameSnapshot) string {
	ts := snap.CapturedAt
	if ts.IsZero() && snap.Image != nil {
		ts = snap.Image.Timestamp
	}
	ts = ts.UTC()

	id := snap.TraceID
	if id == "" {
		id = "untraced"
	}
	return fmt.Sprintf("%s/%s/%s_%s.jpg", cellID, ts.Format("2006/01/02"), ts.Format("150405.000"), id)
}

// EncodeJPEG converts an RGB24 frame to JPEG
func EncodeJPEG(img types.Image, quality int) ([]byte, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("encode frame: invalid size %dx%d", img.Width, img.Height)
	}
	if len(img.Data) < img.Width*img.Height*3 {
		return nil, fmt.Errorf("encode frame: %d bytes for %dx%d RGB", len(img.Data), img.Width, img.Height)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < img.Width*img.Height; i, j = i+1, j+3 {
		rgba.Pix[i*4] = img.Data[j]
		rgba.Pix[i*4+1] = img.Data[j+1]
		rgba.Pix[i*4+2] = img.Data[j+2]
		rgba.Pix[i*4+3] = 0xff
	}

	var buf bytes.Buffer
	buf.Grow(img.Width * img.Height / 4)
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
