// Command pulse-sim sends synthetic pulse readings to a receiver over UDP.
// Useful for smoke-testing a deployment and for exercising the thresholds.
//
// Usage:
//
//	go run ./cmd/pulse-sim -addr localhost:5004 -count 1000 -patients 5 -interval 10ms
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

type options struct {
	addr        string
	count       int
	patients    int
	interval    time.Duration
	seed        uint64
	spikeChance float64
	garbage     float64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var o options
	flag.StringVar(&o.addr, "addr", "localhost:5004", "receiver UDP address")
	flag.IntVar(&o.count, "count", 100, "number of datagrams to send")
	flag.IntVar(&o.patients, "patients", 3, "number of distinct patient ids")
	flag.DurationVar(&o.interval, "interval", 100*time.Millisecond, "delay between datagrams")
	flag.Uint64Var(&o.seed, "seed", 1, "random seed")
	flag.Float64Var(&o.spikeChance, "spike-chance", 0.05, "probability a reading is far outside the normal range")
	flag.Float64Var(&o.garbage, "garbage", 0, "probability a datagram is malformed")
	flag.Parse()

	if o.count < 1 || o.patients < 1 {
		flag.Usage()
		return fmt.Errorf("-count and -patients must be positive")
	}

	conn, err := net.Dial("udp", o.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.addr, err)
	}
	defer conn.Close()

	sent, err := send(conn, clockwork.NewRealClock(), o)
	log.Printf("sent %d datagrams to %s", sent, o.addr)
	return err
}

// send writes o.count datagrams, one per tick.
func send(conn net.Conn, clock clockwork.Clock, o options) (int, error) {
	gen := newGenerator(o.seed, o.patients, o.spikeChance)
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))

	ticker := clock.NewTicker(o.interval)
	defer ticker.Stop()

	for i := range o.count {
		var payload []byte
		if o.garbage > 0 && rng.Float64() < o.garbage {
			payload = []byte(`{"seqNumber":"oops"`)
		} else {
			data, err := domain.Encode(gen.next(clock.Now()))
			if err != nil {
				return i, err
			}
			payload = data
		}

		if _, err := conn.Write(payload); err != nil {
			return i, fmt.Errorf("write datagram %d: %w", i, err)
		}
		if i < o.count-1 {
			<-ticker.Chan()
		}
	}
	return o.count, nil
}

// generator produces per-patient sequences with a drifting pulse value.
type generator struct {
	rng         *rand.Rand
	patients    int
	spikeChance float64
	seq         map[int64]int64
	last        map[int64]int64
}

func newGenerator(seed uint64, patients int, spikeChance float64) *generator {
	return &generator{
		rng:         rand.New(rand.NewPCG(seed, seed)),
		patients:    patients,
		spikeChance: spikeChance,
		seq:         make(map[int64]int64),
		last:        make(map[int64]int64),
	}
}

func (g *generator) next(now time.Time) domain.Reading {
	patient := int64(g.rng.IntN(g.patients)) + 1

	value, ok := g.last[patient]
	if !ok {
		value = 60 + int64(g.rng.IntN(40))
	}
	value += int64(g.rng.IntN(11)) - 5
	value = min(max(value, 45), 190)
	g.last[patient] = value

	sent := value
	if g.rng.Float64() < g.spikeChance {
		if g.rng.IntN(2) == 0 {
			sent = 220 + int64(g.rng.IntN(40))
		} else {
			sent = 20 + int64(g.rng.IntN(15))
		}
	}

	g.seq[patient]++
	return domain.Reading{
		SeqNumber: g.seq[patient],
		PatientID: patient,
		Value:     sent,
		Timestamp: now.UnixMilli(),
	}
}
