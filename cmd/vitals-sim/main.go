// Command vitals-sim plays a ward of bedside monitors, sending ORU^R01
// observations to the engine's MLLP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/hl7"
	"github.com/minasoft/vital-alerts/internal/logging"
)

type vital struct {
	code, name, unit string
	baseline, jitter float64
	// spike is added when a reading is forced out of range.
	spike float64
}

var ward = []vital{
	{code: "8867-4", name: "Heart rate", unit: "/min", baseline: 78, jitter: 4, spike: 60},
	{code: "8480-6", name: "Systolic blood pressure", unit: "mm[Hg]", baseline: 118, jitter: 5, spike: 70},
	{code: "8462-4", name: "Diastolic blood pressure", unit: "mm[Hg]", baseline: 76, jitter: 3, spike: 40},
	{code: "59408-5", name: "Oxygen saturation", unit: "%", baseline: 97, jitter: 0.7, spike: -9},
	{code: "8310-5", name: "Body temperature", unit: "Cel", baseline: 36.8, jitter: 0.15, spike: 2.6},
	{code: "9279-1", name: "Respiratory rate", unit: "/min", baseline: 15, jitter: 1, spike: 16},
}

type patient struct {
	id       string
	device   string
	readings []float64
}

func main() {
	host := flag.String("host", "localhost", "engine MLLP host")
	port := flag.Int("port", 7010, "engine MLLP port")
	patients := flag.Int("patients", 8, "number of simulated patients")
	facility := flag.String("facility", "ICU", "sending facility")
	interval := flag.Duration("interval", 5*time.Second, "time between rounds")
	anomaly := flag.Float64("anomaly", 0.05, "probability that a reading is out of range")
	rounds := flag.Int("rounds", 0, "stop after this many rounds, 0 runs until interrupted")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Service: "vitals-sim"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := hl7.NewMLLPClient(*host, *port)
	if err := client.TestConnection(); err != nil {
		logger.Fatal("engine not reachable", zap.Error(err))
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	beds := make([]*patient, *patients)
	for i := range beds {
		p := &patient{id: fmt.Sprintf("P%05d", 10001+i), device: fmt.Sprintf("BED-%02d", i+1)}
		for _, v := range ward {
			p.readings = append(p.readings, v.baseline)
		}
		beds[i] = p
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for round := 1; ; round++ {
		for _, p := range beds {
			msg := p.next(rng, *facility, *anomaly)
			if err := client.SendMessage(msg.Encode()); err != nil {
				logger.Warn("observation rejected", zap.String("patient_id", p.id), zap.Error(err))
				continue
			}
		}
		logger.Info("round sent", zap.Int("round", round), zap.Int("patients", len(beds)))

		if *rounds > 0 && round >= *rounds {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// next advances each reading by a bounded random walk around its baseline.
func (p *patient) next(rng *rand.Rand, facility string, anomaly float64) hl7.ORU {
	now := time.Now().UTC()
	msg := hl7.ORU{
		SendingApplication: "VITALS-SIM",
		SendingFacility:    facility,
		ControlID:          uuid.NewString(),
		PatientID:          p.id,
		Location:           facility,
		DeviceID:           p.device,
		Time:               now,
	}
	for i, v := range ward {
		r := p.readings[i] + rng.NormFloat64()*v.jitter
		r += (v.baseline - r) * 0.3
		p.readings[i] = r

		value := r
		if rng.Float64() < anomaly {
			value += v.spike
		}
		msg.Observations = append(msg.Observations, hl7.Observation{
			Code:  v.code,
			Name:  v.name,
			Value: math.Round(value*10) / 10,
			Unit:  v.unit,
			Time:  now,
		})
	}
	return msg
}
