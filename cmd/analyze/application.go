package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gramkeep/gramkeep/internal/export"
	"github.com/gramkeep/gramkeep/internal/reconcile"
)

type AnalyzeConfiguration struct {
	ArchivePath string
}

type AnalyzeDependencies struct {
	ReadArchive func(string) (export.Export, error)
	Stdout      io.Writer
	Stderr      io.Writer
}

type AnalyzeApplication struct {
	dependencies AnalyzeDependencies
}

func NewAnalyzeApplication() AnalyzeApplication {
	return NewAnalyzeApplicationWithDependencies(newDefaultAnalyzeDependencies())
}

func NewAnalyzeApplicationWithDependencies(dependencies AnalyzeDependencies) AnalyzeApplication {
	defaultDependencies := newDefaultAnalyzeDependencies()

	if dependencies.ReadArchive == nil {
		dependencies.ReadArchive = defaultDependencies.ReadArchive
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = defaultDependencies.Stdout
	}
	if dependencies.Stderr == nil {
		dependencies.Stderr = defaultDependencies.Stderr
	}

	return AnalyzeApplication{dependencies: dependencies}
}

// Run parses the archive and prints the offline reconciliation preview: the
// graph partition with no stored contacts or exclusion lists applied.
func (application AnalyzeApplication) Run(configuration AnalyzeConfiguration) error {
	decoded, readArchiveError := application.dependencies.ReadArchive(configuration.ArchivePath)
	if readArchiveError != nil {
		return fmt.Errorf(loadErrorFormat, configuration.ArchivePath, readArchiveError)
	}

	analysis := reconcile.Reconcile(reconcile.Input{
		Followers:       decoded.Followers,
		Following:       decoded.Following,
		PendingRequests: decoded.PendingRequests,
	})

	output := application.dependencies.Stdout
	fmt.Fprintf(output, summaryCountFormat, summaryLabelFollowers, len(analysis.Followers))
	fmt.Fprintf(output, summaryCountFormat, summaryLabelFollowing, len(analysis.Following))
	fmt.Fprintf(output, summaryCountFormat, summaryLabelMutuals, len(analysis.MutualFollowers))
	fmt.Fprintf(output, summaryCountFormat, summaryLabelFans, len(analysis.Fans))
	fmt.Fprintf(output, summaryCountFormat, summaryLabelPending, len(analysis.PendingRequests))
	fmt.Fprintf(output, summaryCountFormat, summaryLabelUnfollowers, len(analysis.Unfollowers))
	for _, username := range analysis.Unfollowers {
		fmt.Fprintf(output, unfollowerLineFormat, username)
	}
	return nil
}

func newDefaultAnalyzeDependencies() AnalyzeDependencies {
	return AnalyzeDependencies{
		ReadArchive: export.ReadArchiveFile,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}
