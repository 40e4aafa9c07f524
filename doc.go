// Package openscience is an embeddable store and retrieval engine for
// scientific papers.
//
// It keeps one canonical record per paper, deduplicated across sources by
// normalized external ids, together with the paper's ordered passages under
// several segmentation strategies, the citation graph between papers and
// per-scheme passage embeddings. Each embedding scheme gets its own
// approximate nearest-neighbour index.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, _ := openscience.New(memory.New(),
//	    openscience.WithSchemes(index.SchemeConfig{Name: "specter2", Dimension: 768}),
//	)
//	defer eng.Close(ctx)
//
//	res, _ := eng.PutDocument(ctx, doc)
//	eng.Attach(ctx, model.EmbeddingRecord{PassageID: res.Passages["sentence"][0].ID, Scheme: "specter2", Vector: vec})
//	page, _ := eng.Search(ctx, retrieval.SearchRequest{Vector: q, Scheme: "specter2", K: 10})
//
// From configuration, with a durable backend and snapshots:
//
//	cfg, _ := config.Load("openscience.yaml")
//	eng, _ := openscience.Open(ctx, cfg)
//
// # Indexing Model
//
// Attach persists the embedding first and then hands it to a bounded
// dispatcher that inserts it into the scheme's index, retrying with backoff
// and dead-lettering what keeps failing. Embeddings never confirmed indexed
// are queued again by Recover, so delivery is at least once and inserts are
// idempotent per passage.
//
// Inserted vectors are searchable immediately: each scheme scans its recent
// buffer exhaustively while a single writer links it into the graph.
//
// # Retraction
//
// Papers are never deleted. Retract tags a paper retracted and retires its
// passages from every index; the paper and its passages stay readable.
package openscience
