package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned by Download when a job has no artifact.
	ErrNotFound = errors.New("report: artifact not found")

	// ErrEmptyFile is returned by Save for a file without a name.
	ErrEmptyFile = errors.New("report: file has no name")
)

// File is what a report builder produces.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Download is a stored artifact ready to be served.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// Artifact is the metadata row of a report file. A row exists only once its
// blob is fully written.
type Artifact struct {
	JobID       string `gorm:"primaryKey;size:36"`
	Kind        string `gorm:"index;size:255;not null"`
	Filename    string `gorm:"size:255;not null"`
	ContentType string `gorm:"size:255"`
	Size        int64
	BlobKey     string `gorm:"size:1024"`
	Data        []byte `gorm:"type:bytes"`
	CreatedAt   time.Time
}

// TableName pins the table name.
func (Artifact) TableName() string { return "report_artifacts" }

// BlobSink stores artifact bytes.
type BlobSink interface {
	// Put stores data under key. It returns the bytes to keep inline in the
	// metadata row, if any.
	Put(ctx context.Context, key, contentType string, data []byte) (inline []byte, err error)
	// Get loads the bytes of a stored artifact.
	Get(ctx context.Context, a *Artifact) ([]byte, error)
}

// DBSink keeps artifact bytes inline in the metadata row.
type DBSink struct{}

// Put returns data unchanged so it is stored with the row.
func (DBSink) Put(_ context.Context, _, _ string, data []byte) ([]byte, error) {
	return data, nil
}

// Get returns the inline bytes.
func (DBSink) Get(_ context.Context, a *Artifact) ([]byte, error) {
	return a.Data, nil
}

// ArtifactsOption configures Artifacts.
type ArtifactsOption func(*Artifacts)

// WithSink stores blobs in s instead of inline.
func WithSink(s BlobSink) ArtifactsOption {
	return func(a *Artifacts) { a.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ArtifactsOption {
	return func(a *Artifacts) { a.logger = l }
}

// Artifacts stores report files keyed by the job id that produced them.
type Artifacts struct {
	db     *gorm.DB
	sink   BlobSink
	logger *slog.Logger
}

// NewArtifacts returns an artifact store on db. Blobs are kept inline unless
// WithSink is given.
func NewArtifacts(db *gorm.DB, opts ...ArtifactsOption) *Artifacts {
	a := &Artifacts{db: db, sink: DBSink{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Migrate creates the artifacts table.
func (a *Artifacts) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(&Artifact{})
}

// Save stores f as the artifact of jobID. The blob is written first and the
// metadata row last.
func (a *Artifacts) Save(ctx context.Context, jobID, kind string, f File) error {
	if f.Filename == "" {
		return ErrEmptyFile
	}
	key := path.Join(jobID, path.Base(f.Filename))

	inline, err := a.sink.Put(ctx, key, f.ContentType, f.Data)
	if err != nil {
		return fmt.Errorf("report: store blob %s: %w", key, err)
	}

	row := Artifact{
		JobID:       jobID,
		Kind:        kind,
		Filename:    f.Filename,
		ContentType: f.ContentType,
		Size:        int64(len(f.Data)),
		BlobKey:     key,
		Data:        inline,
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("report: save artifact %s: %w", jobID, err)
	}
	a.logger.Info("report artifact saved", "job_id", jobID, "kind", kind, "filename", f.Filename, "size", row.Size)
	return nil
}

// Download returns the artifact of jobID, or ErrNotFound.
func (a *Artifacts) Download(ctx context.Context, jobID string) (*Download, error) {
	var row Artifact
	err := a.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: load artifact %s: %w", jobID, err)
	}

	data, err := a.sink.Get(ctx, &row)
	if err != nil {
		return nil, err
	}
	return &Download{
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Data:        data,
		CreatedAt:   row.CreatedAt,
	}, nil
}
