// Package archive exports the submissions ledger before it is cleared. An
// export is a CSV file, optionally sealed with a passphrase, written to an
// S3-compatible bucket or a local directory.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/stamptour/internal/reward"
)

var header = []string{
	"id", "name", "position", "company", "phone", "email",
	"completed_count", "reward_level", "submitted_at",
}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether enough is set to reach a bucket.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// S3Archiver uploads exports to a bucket.
type S3Archiver struct {
	client     s3Client
	bucket     string
	prefix     string
	passphrase string
	now        func() time.Time
}

// NewS3Archiver returns an archiver for cfg. A non-empty passphrase seals
// each export before upload.
func NewS3Archiver(cfg S3Config, passphrase string) *S3Archiver {
	return &S3Archiver{
		client:     newS3Client(cfg),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// Archive uploads subs and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, subs []reward.Submission) (string, error) {
	data, name, err := export(subs, a.passphrase, a.now())
	if err != nil {
		return "", err
	}
	key := path.Join(a.prefix, name)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(a.passphrase)),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return key, nil
}

// DirArchiver writes exports into a local directory.
type DirArchiver struct {
	dir        string
	passphrase string
	now        func() time.Time
}

func NewDirArchiver(dir, passphrase string) *DirArchiver {
	return &DirArchiver{dir: dir, passphrase: passphrase, now: time.Now}
}

// Archive writes subs and returns the file path.
func (a *DirArchiver) Archive(ctx context.Context, subs []reward.Submission) (string, error) {
	data, name, err := export(subs, a.passphrase, a.now())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	p := filepath.Join(a.dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return p, nil
}

func contentType(passphrase string) string {
	if passphrase != "" {
		return "application/octet-stream"
	}
	return "text/csv"
}

func export(subs []reward.Submission, passphrase string, at time.Time) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, subs); err != nil {
		return nil, "", err
	}
	name := fmt.Sprintf("submissions-%s.csv", at.UTC().Format("20060102-150405"))
	if passphrase == "" {
		return buf.Bytes(), name, nil
	}

	sealed, err := Seal(buf.Bytes(), passphrase)
	if err != nil {
		return nil, "", err
	}
	return sealed, name + ".enc", nil
}

// WriteCSV writes subs with a header row.
func WriteCSV(w io.Writer, subs []reward.Submission) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range subs {
		row := []string{
			s.ID, s.Name, s.Position, s.Company, s.Phone, s.Email,
			strconv.Itoa(s.CompletedCount), s.RewardLevel,
			s.SubmittedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses an export produced by WriteCSV.
func ReadCSV(r io.Reader) ([]reward.Submission, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read csv: missing header")
	}

	subs := make([]reward.Submission, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("row %d: got %d columns, want %d", i+1, len(rec), len(header))
		}
		count, err := strconv.Atoi(rec[6])
		if err != nil {
			return nil, fmt.Errorf("row %d: completed_count: %w", i+1, err)
		}
		at, err := time.Parse(time.RFC3339Nano, rec[8])
		if err != nil {
			return nil, fmt.Errorf("row %d: submitted_at: %w", i+1, err)
		}
		subs = append(subs, reward.Submission{
			ID: rec[0], Name: rec[1], Position: rec[2], Company: rec[3],
			Phone: rec[4], Email: rec[5], CompletedCount: count,
			RewardLevel: rec[7], SubmittedAt: at,
		})
	}
	return subs, nil
}
