// internal/devops/collaborators.go
package devops

import (
	"context"
	"io"
	"time"
)

// StoreControl starts and stops the service that owns the stateful store.
type StoreControl interface {
	Start(ctx context.Context, version string) error
	Stop(ctx context.Context) error
	IsReachable(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
}

// StoreQuery issues read-only queries against the store. Execute returns the
// first column of every row as text.
type StoreQuery interface {
	Execute(ctx context.Context, query string) ([]string, error)
}

// Catalog lists the structural elements present in a database.
type Catalog struct {
	Tables     []string `json:"tables"`
	Extensions []string `json:"extensions"`
}

// SnapshotSource produces and consumes logical dumps of the store.
type SnapshotSource interface {
	Dump(ctx context.Context, dst io.Writer) error
	Restore(ctx context.Context, database string, src io.Reader) error
	CreateScratch(ctx context.Context, name string) error
	DropScratch(ctx context.Context, name string) error
	Catalog(ctx context.Context, database string) (Catalog, error)
	Database() string
}

// CertificateSource resolves the expiry date of a certificate reference.
type CertificateSource interface {
	ExpiryDate(ctx context.Context, ref string) (time.Time, error)
}

// Summary is the condensed record forwarded to a notification channel.
type Summary struct {
	DeploymentID    string  `json:"deployment_id"`
	Environment     string  `json:"environment"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	TargetVersion   string  `json:"target_version"`
	PreviousVersion string  `json:"previous_version"`
	BackupRef       string  `json:"backup_ref,omitempty"`
	Health          string  `json:"health,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	DryRun          bool    `json:"dry_run"`
	Message         string  `json:"message,omitempty"`
}

// Notifier forwards deployment summaries to an external channel.
type Notifier interface {
	Send(ctx context.Context, summary Summary) error
}

// ArtifactReplicator copies verified artifacts to secondary storage.
type ArtifactReplicator interface {
	Replicate(ctx context.Context, name string, src io.Reader, size int64) (string, error)
}
