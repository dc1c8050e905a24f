package main

import (
	"context"
	"errors"

	"github.com/pcbsearch/partcrawl/internal/catalog"
	"github.com/pcbsearch/partcrawl/internal/config"
	"github.com/pcbsearch/partcrawl/internal/crawl"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
)

// Process exit codes. Each failure cause has its own code so automation can
// tell them apart.
const (
	exitOK               = 0
	exitFailure          = 1
	exitConfig           = 3
	exitInit             = 4
	exitHTTPStatus       = 5
	exitLoop             = 6
	exitInsert           = 7
	exitOffsetRegression = 10
	exitInterrupted      = 130
)

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	if ae, ok := pagination.IsAnomaly(err); ok {
		switch ae.Kind {
		case pagination.AnomalyLoop:
			return exitLoop
		case pagination.AnomalyOffsetRegression:
			return exitOffsetRegression
		}
	}

	var fe *client.FetchError
	switch {
	case errors.Is(err, stop.ErrStopped), errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, errInit):
		return exitInit
	case errors.Is(err, catalog.ErrInsert), errors.Is(err, crawl.ErrPersist):
		return exitInsert
	case errors.As(err, &fe) && fe.StatusCode != 0:
		return exitHTTPStatus
	default:
		return exitFailure
	}
}
