package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chi-middleware/logrus-logger"
	log "github.com/sirupsen/logrus"
)

// Progress is a concurrency-safe snapshot of one simulation process that
// the status server reports. The driver starts and finishes stages from its
// main goroutine; Add is called from worker threads.
type Progress struct {
	rank  int
	size  int
	done  atomic.Int64
	total atomic.Int64

	mu        sync.Mutex
	stage     string
	completed []string
}

// NewProgress creates a tracker for the process with the given rank out of
// size processes.
func NewProgress(rank, size int) *Progress {
	return &Progress{rank: rank, size: size}
}

// StartStage marks the beginning of a stage covering total work items.
func (p *Progress) StartStage(name string, total int64) {
	p.mu.Lock()
	p.stage = name
	p.mu.Unlock()
	p.done.Store(0)
	p.total.Store(total)
}

// Add records n completed work items of the running stage. Safe to call
// concurrently from worker threads.
func (p *Progress) Add(n int64) {
	p.done.Add(n)
}

// FinishStage marks the running stage as completed.
func (p *Progress) FinishStage() {
	p.mu.Lock()
	if p.stage != "" {
		p.completed = append(p.completed, p.stage)
		p.stage = ""
	}
	p.mu.Unlock()
}

// Status is the JSON document served on /status.
type Status struct {
	Rank            int      `json:"rank"`
	Size            int      `json:"size"`
	Stage           string   `json:"stage,omitempty"`
	CompletedStages []string `json:"completed_stages,omitempty"`
	Done            int64    `json:"done"`
	Total           int64    `json:"total"`
}

// Snapshot returns a point-in-time copy of the tracker.
func (p *Progress) Snapshot() Status {
	p.mu.Lock()
	stage := p.stage
	completed := append([]string(nil), p.completed...)
	p.mu.Unlock()
	return Status{
		Rank:            p.rank,
		Size:            p.size,
		Stage:           stage,
		CompletedStages: completed,
		Done:            p.done.Load(),
		Total:           p.total.Load(),
	}
}

// StatusServer exposes the health and progress of one simulation process
// over HTTP, so a cluster run can be probed and watched per rank.
type StatusServer struct {
	Router *chi.Mux
}

// New wires up the /healthz and /status routes around the given tracker.
func New(progress *Progress) *StatusServer {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Logger("router", log.StandardLogger()))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(progress.Snapshot()); err != nil {
			http.Error(w, "encode error: "+err.Error(), http.StatusInternalServerError)
		}
	})

	return &StatusServer{Router: r}
}

// Launch serves s on the given port.
// ListenAndServe blocks until an error occurs (e.g. port already in use).
func Launch(s *StatusServer, targetPort int) {
	addr := fmt.Sprintf(":%d", targetPort)
	log.Infof("Starting status server on %s", addr)
	if err := http.ListenAndServe(addr, s.Router); err != nil {
		log.Fatalf("Status server failed: %v", err)
	}
}
