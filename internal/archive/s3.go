// Package archive offloads resolved dead-letter entries to S3 once their
// retention period in Postgres has passed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"replywatch/internal/config"
	"replywatch/internal/models"
)

// Store is the dead-letter surface the archiver drains.
type Store interface {
	ResolvedUnarchived(ctx context.Context, cutoff time.Time, limit int) ([]models.DeadLetterEntry, error)
	MarkArchived(ctx context.Context, id string) error
}

// ObjectPutter is the slice of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver copies resolved dead-letter entries to an S3 bucket and marks
// them archived. Entries stay in Postgres; archival is a cold copy, not a
// move, so review history never disappears.
type Archiver struct {
	cfg    config.Config
	store  Store
	client ObjectPutter
}

func New(ctx context.Context, cfg config.Config, st Store) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archiver{cfg: cfg, store: st, client: s3.NewFromConfig(awsCfg)}, nil
}

// NewWithClient wires an explicit S3 client.
func NewWithClient(cfg config.Config, st Store, client ObjectPutter) *Archiver {
	return &Archiver{cfg: cfg, store: st, client: client}
}

// Run archives on a fixed cadence until the context is cancelled. Disabled
// when no bucket is configured.
func (a *Archiver) Run(ctx context.Context) error {
	if a.cfg.ArchiveBucket == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := a.ArchiveBatch(ctx, 100); err != nil {
			log.Printf("archive: %v", err)
		} else if n > 0 {
			log.Printf("archived %d dead-letter entries", n)
		}
	}
}

// ArchiveBatch uploads up to limit entries whose resolution predates the
// retention cutoff. Upload precedes the archived flag, so a crash between
// the two repeats an idempotent PutObject rather than losing an entry.
func (a *Archiver) ArchiveBatch(ctx context.Context, limit int) (int, error) {
	cutoff := time.Now().Add(-a.cfg.ArchiveRetention)
	entries, err := a.store.ResolvedUnarchived(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list resolved entries: %w", err)
	}
	archived := 0
	for _, e := range entries {
		if err := a.put(ctx, e); err != nil {
			log.Printf("archive %s: %v", e.ID, err)
			continue
		}
		if err := a.store.MarkArchived(ctx, e.ID); err != nil {
			log.Printf("archive %s: mark: %v", e.ID, err)
			continue
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) put(ctx context.Context, e models.DeadLetterEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := fmt.Sprintf("deadletter/%s/%s.json", e.CreatedAt.UTC().Format("2006/01"), e.ID)
	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.cfg.ArchiveBucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
