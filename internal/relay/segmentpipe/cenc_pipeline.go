package segmentpipe

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Corrah/CorrahFlow/internal/relay/cenc"
	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// CENCRequest describes a CENC ClearKey segment fetch: an init segment and
// a media segment, fetched in parallel and decrypted together.
type CENCRequest struct {
	InitURL      string
	SegmentURL   string
	Headers      map[string]string
	IsRedirector bool
	KeyID        string
	Keys         cenc.KeyMap
}

// CENCResult is the served (and cached) decrypted/remuxed segment.
type CENCResult struct {
	Body        []byte
	ContentType string
	Variant     string // "ts" or "raw"
}

func (p *Pipeline) targetVariant() string {
	if p.remuxer != nil {
		return "ts"
	}
	return "raw"
}

// FetchCENC serves req, short-circuiting on a cache hit, and otherwise
// fetching init‖segment in parallel, decrypting off-thread, optionally
// remuxing to MPEG-TS, and caching the result, per spec.md §4.6. On
// success it also enqueues a background prefetch of the next three
// segments.
func (p *Pipeline) FetchCENC(ctx context.Context, req CENCRequest) (CENCResult, error) {
	result, err := p.fetchAndDecrypt(ctx, req)
	if err != nil {
		return CENCResult{}, err
	}
	p.prefetchNext(req)
	return result, nil
}

// fetchAndDecrypt does the cache-check/fetch/decrypt/remux/cache-put work
// with no prefetch side effect, so it can be reused directly by prefetch
// tasks without cascading into further prefetch.
func (p *Pipeline) fetchAndDecrypt(ctx context.Context, req CENCRequest) (CENCResult, error) {
	variant := p.targetVariant()
	key := SegmentKey{URL: req.SegmentURL, KeyID: req.KeyID, Variant: variant}
	if body, contentType, ok := p.cache.Get(key); ok {
		return CENCResult{Body: body, ContentType: contentType, Variant: variant}, nil
	}

	initBody, segBody, err := p.fetchInitAndSegment(ctx, req)
	if err != nil {
		return CENCResult{}, err
	}

	combined := make([]byte, 0, len(initBody)+len(segBody))
	combined = append(combined, initBody...)
	combined = append(combined, segBody...)

	decrypted, err := p.decryptFn(combined, req.Keys)
	if err != nil {
		return CENCResult{}, &rerror.DecryptError{Reason: err.Error()}
	}

	if p.remuxer != nil {
		remuxed, remuxErr := p.remuxer.Remux(ctx, decrypted)
		if remuxErr == nil {
			p.cache.Put(SegmentKey{URL: req.SegmentURL, KeyID: req.KeyID, Variant: "ts"}, remuxed, "video/MP2T")
			return CENCResult{Body: remuxed, ContentType: "video/MP2T", Variant: "ts"}, nil
		}
		if p.logger != nil {
			p.logger.WarnContext(ctx, "segment remux failed, serving raw fmp4",
				slog.String("segment_url", req.SegmentURL), slog.String("error", remuxErr.Error()))
		}
	}

	p.cache.Put(SegmentKey{URL: req.SegmentURL, KeyID: req.KeyID, Variant: "raw"}, decrypted, "video/mp4")
	return CENCResult{Body: decrypted, ContentType: "video/mp4", Variant: "raw"}, nil
}

// FetchRaw fetches init‖segment in parallel and concatenates them without
// decrypting, remuxing, caching, or prefetching — the skip_decrypt=1 escape
// hatch of the /decrypt/segment.mp4 endpoint, for callers that already hold
// cleartext content or want to inspect the undecrypted fMP4.
func (p *Pipeline) FetchRaw(ctx context.Context, req CENCRequest) ([]byte, error) {
	initBody, segBody, err := p.fetchInitAndSegment(ctx, req)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, 0, len(initBody)+len(segBody))
	combined = append(combined, initBody...)
	combined = append(combined, segBody...)
	return combined, nil
}

// fetchInitAndSegment runs the init and media GETs concurrently under the
// same header policy, per spec.md §4.6. The init segment is served from
// initCache when already present.
func (p *Pipeline) fetchInitAndSegment(ctx context.Context, req CENCRequest) (initBody, segBody []byte, err error) {
	headers := forwardHeaders(req.Headers, req.IsRedirector)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cached, ok := p.initCache.Get(req.InitURL); ok {
			initBody = cached
			return nil
		}
		b, fetchErr := p.fetchBytes(gctx, req.InitURL, headers)
		if fetchErr != nil {
			return fetchErr
		}
		p.initCache.Put(req.InitURL, b)
		initBody = b
		return nil
	})
	g.Go(func() error {
		b, fetchErr := p.fetchBytes(gctx, req.SegmentURL, headers)
		if fetchErr != nil {
			return fetchErr
		}
		segBody = b
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return initBody, segBody, nil
}

// prefetchNext enqueues background fetch+decrypt of the next three
// sequential segments after req.SegmentURL, deduped by cache key, per
// spec.md §4.6. Results are cached but never returned to any caller.
func (p *Pipeline) prefetchNext(req CENCRequest) {
	for _, nextURL := range NextSegmentURLs(req.SegmentURL, 3) {
		p.enqueuePrefetch(nextURL, req)
	}
}

func (p *Pipeline) enqueuePrefetch(segmentURL string, req CENCRequest) {
	variant := p.targetVariant()
	key := SegmentKey{URL: segmentURL, KeyID: req.KeyID, Variant: variant}
	dedupKey := segmentURL + "|" + req.KeyID + "|" + variant
	if !p.pending.tryAcquire(dedupKey) {
		return
	}

	nextReq := req
	nextReq.SegmentURL = segmentURL

	go func() {
		defer p.pending.release(dedupKey)

		if _, _, ok := p.cache.Get(key); ok {
			return
		}
		ctx := context.Background()
		if _, err := p.fetchAndDecrypt(ctx, nextReq); err != nil && p.logger != nil {
			p.logger.WarnContext(ctx, "prefetch failed", slog.String("segment_url", segmentURL), slog.String("error", err.Error()))
		}
	}()
}
