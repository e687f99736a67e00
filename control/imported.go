package control

import (
	"context"
	"time"
)

// ImportedSession is one completed external energy session pulled for an
// Imported-kind output: a window of consumption reported by a source the
// Control Loop never talks to over the relay/meter RPC path.
type ImportedSession struct {
	Start    time.Time
	End      time.Time
	EnergyWh float64
}

// ImportedSource pulls completed sessions for outputName that ended at or
// after since. The only real-world source is the TeslaMate SQL ingest,
// which is an out-of-scope external collaborator; a Loop with none attached
// simply accrues no imported sessions, which is the correct behaviour for a
// config with no Imported-kind outputs.
type ImportedSource interface {
	PullSessions(ctx context.Context, outputName string, since time.Time) ([]ImportedSession, error)
}

// AttachImportedSource wires the external session puller for Imported-kind
// outputs. Optional: a nil or never-attached source leaves those outputs'
// accounting at zero.
func (l *Loop) AttachImportedSource(src ImportedSource) {
	l.importedSource = src
}
