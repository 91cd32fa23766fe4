package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/ingest"
)

const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"

	readTimeout = 30 * time.Second // idle monitors are disconnected
	sourceName  = "hl7"
)

// MLLPServer receives ORU^R01 observations from bedside monitors and feeds them
// to the engine. Input errors are answered with AE, engine failures with AR.
type MLLPServer struct {
	port      int
	submitter *ingest.Submitter
	logger    *zap.Logger
	listener  net.Listener
	wg        sync.WaitGroup
}

func NewMLLPServer(port int, submitter *ingest.Submitter, logger *zap.Logger) *MLLPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MLLPServer{port: port, submitter: submitter, logger: logger.Named("hl7")}
}

func (s *MLLPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("HL7 MLLP server started", zap.String("address", listener.Addr().String()))

	// Closing the listener ends the accept loop
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go s.acceptConnections(ctx)
	return nil
}

// Addr is the bound listener address, useful when started on port 0.
func (s *MLLPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	s.logger.Debug("HL7 connection opened", zap.String("remote", remoteAddr))
	reader := bufio.NewReader(conn)

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		message, err := ReadFrame(reader)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Debug("HL7 connection closed", zap.String("remote", remoteAddr))
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Debug("HL7 connection idle, closing", zap.String("remote", remoteAddr))
			default:
				s.logger.Warn("failed to read HL7 frame", zap.String("remote", remoteAddr), zap.Error(err))
			}
			return
		}

		// One ACK per frame, in order
		code, text := s.processMessage(ctx, message, remoteAddr)
		if _, err := conn.Write(CreateACK(message, code, text)); err != nil {
			s.logger.Warn("failed to write ACK", zap.String("remote", remoteAddr), zap.Error(err))
			return
		}
	}
}

func (s *MLLPServer) processMessage(ctx context.Context, raw []byte, remoteAddr string) (string, string) {
	measurements, err := ParseObservations(raw)
	if err != nil {
		s.logger.Warn("HL7 message rejected", zap.String("remote", remoteAddr), zap.Error(err))
		return AckError, err.Error()
	}
	if len(measurements) == 0 {
		s.logger.Debug("HL7 message has no supported observations", zap.String("remote", remoteAddr))
		return AckAccept, ""
	}

	// Validate every observation before the engine sees any of them
	if err := s.submitter.ValidateBatch(sourceName, measurements); err != nil {
		return AckError, err.Error()
	}
	for _, m := range measurements {
		if _, err := s.submitter.Submit(ctx, sourceName, m); err != nil {
			if errors.Is(err, db.ErrInvalidMeasurement) {
				return AckError, err.Error()
			}
			return AckReject, err.Error()
		}
	}
	s.logger.Debug("HL7 observations ingested",
		zap.String("remote", remoteAddr),
		zap.String("patient_id", measurements[0].PatientID),
		zap.Int("count", len(measurements)))
	return AckAccept, ""
}

// Stop closes the listener and waits for open connections to finish.
func (s *MLLPServer) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.wg.Wait()
	return err
}
