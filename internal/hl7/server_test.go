package hl7

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/escalation"
	"github.com/minasoft/vital-alerts/internal/ingest"
)

type stubEngine struct {
	mu  sync.Mutex
	got []db.Measurement
	err error
}

func (e *stubEngine) Ingest(_ context.Context, m db.Measurement) (escalation.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return escalation.Outcome{}, e.err
	}
	e.got = append(e.got, m)
	return escalation.Outcome{Action: escalation.ActionCreated}, nil
}

func startMLLP(t *testing.T, engine *stubEngine) *MLLPClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewMLLPServer(0, ingest.NewSubmitter(engine, nil, zap.NewNop()), zap.NewNop())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	port := srv.Addr().(*net.TCPAddr).Port
	return NewMLLPClient("127.0.0.1", port)
}

func TestMLLPServer_AcceptsObservations(t *testing.T) {
	engine := &stubEngine{}
	client := startMLLP(t, engine)
	require.NoError(t, client.TestConnection())

	msg := ORU{
		SendingApplication: "SIM", SendingFacility: "ICU", ControlID: "1",
		PatientID: "P1", DeviceID: "BED-1", Time: time.Now().Add(-time.Minute),
		Observations: []Observation{{Code: "8867-4", Name: "Heart rate", Value: 130, Unit: "/min"}},
	}
	require.NoError(t, client.SendMessage(msg.Encode()))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.got, 1)
	assert.Equal(t, "P1", engine.got[0].PatientID)
	assert.Equal(t, 130.0, engine.got[0].Value)
}

func TestMLLPServer_NegativeAcks(t *testing.T) {
	engine := &stubEngine{}
	client := startMLLP(t, engine)

	err := client.SendMessage([]byte(strings.Replace(sampleORU, "||125|", "||abc|", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative ACK AE")

	future := ORU{
		SendingApplication: "SIM", ControlID: "2", PatientID: "P1", Time: time.Now().Add(time.Hour),
		Observations: []Observation{{Code: "8867-4", Value: 80}},
	}
	err = client.SendMessage(future.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in the future")

	engine.mu.Lock()
	engine.err = escalation.ErrStopped
	engine.mu.Unlock()
	err = client.SendMessage([]byte(sampleORU))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative ACK AR")
}

func TestMLLPServer_RejectsWholeBatch(t *testing.T) {
	engine := &stubEngine{}
	client := startMLLP(t, engine)

	now := time.Now()
	msg := ORU{
		SendingApplication: "SIM", ControlID: "3", PatientID: "P1", DeviceID: "BED-1", Time: now.Add(-time.Minute),
		Observations: []Observation{
			{Code: "8867-4", Value: 130, Unit: "/min"},
			{Code: "9279-1", Value: 28, Unit: "/min", Time: now.Add(time.Hour)},
		},
	}
	err := client.SendMessage(msg.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative ACK AE")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.got, "no observation from a rejected message reaches the engine")
}
