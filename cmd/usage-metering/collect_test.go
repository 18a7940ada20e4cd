package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/usage-metering/pkg/collector"
	"github.com/operator-framework/usage-metering/pkg/usage"
)

func TestPrintResults(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, nil))
	assert.Equal(t, "no projects to collect\n", buf.String())

	buf.Reset()
	require.NoError(t, printResults(&buf, []*collector.CycleResult{{
		ProjectID:     "p1",
		Windows:       []usage.Range{{Start: start, End: start.Add(time.Hour)}},
		Entries:       3,
		LastCollected: start.Add(time.Hour),
	}, {
		ProjectID: "p2",
		Skipped:   true,
	}}))
	out := buf.String()
	assert.Contains(t, out, "projectID: p1")
	assert.Contains(t, out, "entries: 3")
	assert.Contains(t, out, "2020-03-01T01:00:00Z")
	assert.Contains(t, out, "skipped: true")
}
