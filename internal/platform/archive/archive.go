// Package archive queries the imaging archive's REST API for studies and
// patients. It never writes to the archive.
package archive

import (
	"context"
	"errors"
	"fmt"
)

// Archive is the query surface the reconciliation engine depends on.
type Archive interface {
	ListStudies(ctx context.Context) ([]Study, error)
	ListPatients(ctx context.Context) ([]Patient, error)
	FindStudiesByAccessionNumber(ctx context.Context, accession string) ([]Study, error)
	FindStudiesByPatientID(ctx context.Context, patientID string) ([]Study, error)
	GetStudy(ctx context.Context, studyReference string) (*Study, error)
	TestConnection(ctx context.Context) (*SystemInfo, error)
}

// ErrNotFound is returned when a single study lookup has no result.
var ErrNotFound = errors.New("study not found in archive")

// ConnectivityError wraps transport failures and unexpected archive
// responses. Callers treat it as "no data" for matching purposes.
type ConnectivityError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("archive %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is, or wraps, a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
