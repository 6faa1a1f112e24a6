package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	"github.com/joaopenteado/handoff/internal/concurrent"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog"
)

// Interception sites owned by this package.
const (
	FanoutSite     = interception.ModulePath + "internal/handler.Fanout"
	WorkerSite     = interception.ModulePath + "internal/handler.Worker"
	DownstreamSite = interception.ModulePath + "internal/handler.Downstream"
)

// MaxFanout bounds the number of jobs a single request may submit.
const MaxFanout = 64

// Submitter queues tasks, usually on a concurrent.Pool.
type Submitter interface {
	Submit(ctx context.Context, task concurrent.Task) (*concurrent.Future, error)
}

// FanoutResponse lists the transaction seen by the request and by each of its
// jobs. Every entry of Jobs matches TransactionID when propagation works.
type FanoutResponse struct {
	TransactionID string      `json:"transaction_id"`
	Jobs          []JobResult `json:"jobs"`
}

type JobResult struct {
	TransactionID    string `json:"transaction_id"`
	DownstreamStatus int    `json:"downstream_status,omitempty"`
}

// Fanout splits a request into n jobs, where n is read from the query string
// and defaults to 1. Each job records the transaction it ran in and, when
// downstreamURL is set, calls it through client.
func Fanout(pool Submitter, registry *txctx.Registry, client *http.Client, downstreamURL string) http.Handler {
	if client == nil {
		client = http.DefaultClient
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := zerolog.Ctx(ctx).With().
			Str("transaction_id", registry.TransactionID()).
			Logger()

		n, err := parseFanout(r.URL.Query().Get("n"))
		if err != nil {
			logger.Debug().Err(err).Msg("invalid fan-out")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		results := make([]JobResult, n)
		futures := make([]*concurrent.Future, 0, n)
		for i := range n {
			f, err := pool.Submit(ctx, func(ctx context.Context) error {
				results[i].TransactionID = registry.TransactionID()
				if downstreamURL == "" {
					return nil
				}
				status, err := callDownstream(ctx, client, downstreamURL)
				results[i].DownstreamStatus = status
				return err
			})
			if err != nil {
				logger.Err(err).Int("job", i).Msg("failed to submit job")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			futures = append(futures, f)
		}

		for i, f := range futures {
			if err := f.Wait(ctx); err != nil {
				logger.Err(err).Int("job", i).Msg("job failed")
				w.WriteHeader(http.StatusBadGateway)
				return
			}
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, FanoutResponse{
			TransactionID: registry.TransactionID(),
			Jobs:          results,
		})
	})
}

func parseFanout(s string) (int, error) {
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > MaxFanout {
		return 0, fmt.Errorf("fan-out %d out of range [1, %d]", n, MaxFanout)
	}
	return n, nil
}

func callDownstream(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("downstream responded %s", resp.Status)
	}
	return resp.StatusCode, nil
}
