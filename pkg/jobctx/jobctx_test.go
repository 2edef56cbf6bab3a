package jobctx

import (
	"context"
	"testing"

	"github.com/jdziat/projectsync/pkg/core"
	intctx "github.com/jdziat/projectsync/pkg/internal/context"
)

func TestJobFromContext(t *testing.T) {
	t.Run("returns job when set in context", func(t *testing.T) {
		// Arrange
		job := &core.Job{ID: "test-job-123", Queue: "sap-sync"}
		ctx := intctx.WithJobContext(context.Background(), intctx.NewJobContext(job))

		// Act
		result := JobFromContext(ctx)

		// Assert
		if result == nil {
			t.Fatal("expected job, got nil")
		}
		if result.ID != "test-job-123" {
			t.Errorf("expected job ID %q, got %q", "test-job-123", result.ID)
		}
		if got := JobIDFromContext(ctx); got != "test-job-123" {
			t.Errorf("expected job ID %q, got %q", "test-job-123", got)
		}
	})

	t.Run("returns zero values when not set in context", func(t *testing.T) {
		ctx := context.Background()

		if JobFromContext(ctx) != nil {
			t.Error("expected nil job")
		}
		if JobIDFromContext(ctx) != "" {
			t.Error("expected empty job ID")
		}
		if ParentJobIDFromContext(ctx) != "" {
			t.Error("expected empty parent job ID")
		}
		if Cancelled(ctx) {
			t.Error("expected not cancelled")
		}
	})
}

func TestParentJobIDFromContext(t *testing.T) {
	// Arrange
	parent := "trigger-1"
	job := &core.Job{ID: "child-1", ParentJobID: &parent}
	ctx := intctx.WithJobContext(context.Background(), intctx.NewJobContext(job))

	// Act
	got := ParentJobIDFromContext(ctx)

	// Assert
	if got != "trigger-1" {
		t.Errorf("expected parent %q, got %q", "trigger-1", got)
	}
}

func TestCancelled(t *testing.T) {
	// Arrange
	jc := intctx.NewJobContext(&core.Job{ID: "job-1"})
	ctx := intctx.WithJobContext(context.Background(), jc)
	if Cancelled(ctx) {
		t.Fatal("expected not cancelled before the flag is raised")
	}

	// Act
	jc.RequestCancel()

	// Assert
	if !Cancelled(ctx) {
		t.Error("expected cancelled after the flag is raised")
	}
}
