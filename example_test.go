package openscience_test

import (
	"context"
	"fmt"
	"log"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/corpus/memory"
	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

// Example shows the ingest, attach and search cycle on an in-memory corpus.
func Example() {
	ctx := context.Background()
	eng, err := openscience.New(memory.New(),
		openscience.WithSchemes(index.SchemeConfig{Name: "toy", Dimension: 2, Metric: distance.MetricL2}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close(ctx)

	res, err := eng.PutDocument(ctx, &model.Document{
		Source:     model.SourceArxiv,
		ExternalID: "arXiv:1706.03762v5",
		Title:      "Attention Is All You Need",
		Authors:    []string{"Ashish Vaswani"},
		Passages: []model.PassageInput{
			{Strategy: model.StrategySentence, OrderIndex: 0, Text: "The dominant sequence transduction models are based on recurrent networks."},
			{Strategy: model.StrategySentence, OrderIndex: 1, Text: "We propose the Transformer."},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	vectors := [][]float32{{0, 1}, {1, 0}}
	for i, p := range res.Passages[model.StrategySentence] {
		if _, err := eng.Attach(ctx, model.EmbeddingRecord{PassageID: p.ID, Scheme: "toy", Vector: vectors[i]}); err != nil {
			log.Fatal(err)
		}
	}
	if err := eng.Drain(ctx); err != nil {
		log.Fatal(err)
	}

	resp, err := eng.Search(ctx, retrieval.SearchRequest{Vector: []float32{1, 0.1}, Scheme: "toy", K: 1})
	if err != nil {
		log.Fatal(err)
	}
	hit := resp.Results[0]
	fmt.Println(hit.Paper.ExternalIDs[model.SourceArxiv])
	fmt.Println(hit.Passage.Text)
	// Output:
	// 1706.03762
	// We propose the Transformer.
}
