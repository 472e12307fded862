package main

import (
	"flag"
	"fmt"
	"os"
)

const (
	flagZipName             = "zip"
	flagZipDescription      = "Path to the Instagram data export zip"
	missingZipErrorMessage  = "error: --zip is required"
	loadErrorFormat         = "read %s: %v"
	summaryCountFormat      = "%s: %d\n"
	unfollowerLineFormat    = "  %s\n"
	summaryLabelFollowers   = "followers"
	summaryLabelFollowing   = "following"
	summaryLabelMutuals     = "mutual followers"
	summaryLabelFans        = "fans"
	summaryLabelPending     = "pending requests"
	summaryLabelUnfollowers = "unfollowers"
)

func main() {
	var archivePath string
	flag.StringVar(&archivePath, flagZipName, "", flagZipDescription)
	flag.Parse()

	if archivePath == "" {
		fmt.Fprintln(os.Stderr, missingZipErrorMessage)
		os.Exit(2)
	}

	application := NewAnalyzeApplication()
	if runErr := application.Run(AnalyzeConfiguration{ArchivePath: archivePath}); runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
