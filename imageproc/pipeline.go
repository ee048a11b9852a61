package imageproc

import (
	"context"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
)

// Pipeline is fetch, then transform, then save
type Pipeline struct {
	fetcher     *Fetcher
	transformer Transformer
	sink        Sink
}

// NewPipeline assembles a pipeline from its stages
func NewPipeline(fetcher *Fetcher, transformer Transformer, sink Sink) *Pipeline {
	return &Pipeline{fetcher: fetcher, transformer: transformer, sink: sink}
}

// NewPipelineFromConfig builds the default fetch, JPEG and disk pipeline
func NewPipelineFromConfig(cfg *am.Config) *Pipeline {
	return NewPipeline(
		NewFetcher(cfg.Fetch),
		NewJPEGTransformer(cfg.Transform),
		NewDiskSink(cfg),
	)
}

// Process runs one input through the pipeline and returns the output URL
func (p *Pipeline) Process(ctx context.Context, ref Ref) (string, error) {
	data, err := p.fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		return "", err
	}

	out, ext, err := p.transformer.Transform(data)
	if err != nil {
		return "", errors.Wrapf(err, "failed to transform %s", ref.URL)
	}

	url, err := p.sink.Save(ctx, ref, out, ext)
	if err != nil {
		return "", errors.Wrapf(err, "failed to store output of %s", ref.URL)
	}
	return url, nil
}
