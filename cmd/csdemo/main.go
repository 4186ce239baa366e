// Command csdemo runs the cmdstream engine against the software
// transport: two queues ping-pong accesses over a shared buffer so the
// hazard tracking, forced flushes and fence waits are all exercised.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/cmdstream"
	"github.com/gogpu/cmdstream/backend"
	"github.com/gogpu/gputypes"
)

func main() {
	var (
		capacity = flag.Int("capacity", 4096, "batch capacity in bytes")
		ops      = flag.Int("ops", 64, "command sequences to emit per queue")
		opSize   = flag.Int("opsize", 256, "bytes per command sequence")
		verbose  = flag.Bool("v", false, "enable debug logging")
		confPath = flag.String("config", "", "optional TOML tuning file")
	)
	flag.Parse()

	if *verbose {
		cmdstream.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	opts := []cmdstream.Option{cmdstream.WithBatchCapacity(*capacity)}
	if *confPath != "" {
		conf, err := cmdstream.LoadConfig(*confPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		opts = conf.Options()
	}

	b := backend.Get(backend.BackendSoftware)
	if err := b.Init(); err != nil {
		log.Fatalf("init backend: %v", err)
	}
	defer b.Close()
	transport := b.Transport().(*backend.SoftwareTransport)

	eng, err := cmdstream.New(transport, opts...)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	shared, err := eng.NewResource(1<<20, gputypes.BufferUsageStorage)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}
	scratch, err := eng.NewResource(1<<16, gputypes.BufferUsageStorage)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}

	render := eng.Queue(cmdstream.QueueRender)
	compute := eng.Queue(cmdstream.QueueCompute)
	payload := make([]byte, *opSize)

	start := time.Now()
	for i := 0; i < *ops; i++ {
		// Render writes the shared buffer; compute reads it back, which
		// forces the render batch out whenever both are in flight.
		if err := render.Append(payload,
			cmdstream.Access{Resource: shared, Mode: cmdstream.AccessWrite},
			cmdstream.Access{Resource: scratch, Mode: cmdstream.AccessRead},
		); err != nil {
			log.Fatalf("render append: %v", err)
		}
		if i%4 == 3 {
			if err := compute.Append(payload,
				cmdstream.Access{Resource: shared, Mode: cmdstream.AccessRead},
				cmdstream.Access{Resource: scratch, Mode: cmdstream.AccessWrite},
			); err != nil {
				log.Fatalf("compute append: %v", err)
			}
		}
	}
	if err := eng.FlushAll(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	if err := eng.ReadBack(shared, time.Second); err != nil {
		log.Fatalf("readback: %v", err)
	}
	elapsed := time.Since(start)

	var bytes int
	for _, s := range transport.Submissions() {
		bytes += len(s.Commands)
	}
	log.Printf("emitted %d ops per queue in %v", *ops, elapsed)
	log.Printf("submissions: %d, command bytes: %d, live allocations: %d",
		transport.SubmissionCount(), bytes, transport.AllocCount())
}
