// Package lexicore is the search core of a dictionary platform: a cascade
// of exact, prefix, fuzzy and semantic retrieval over versioned,
// content-addressed indices, fronted by a two-tier cache.
//
// The importable surface lives in pkg/lexicore; the leaf packages
// (pkg/normalize, pkg/corpus, pkg/trie, pkg/fuzzy, pkg/vecindex,
// pkg/cascade, pkg/blobstore, pkg/cache) can also be used on their own.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/openlexica/lexicore/pkg/cascade"
//	    "github.com/openlexica/lexicore/pkg/corpus"
//	    "github.com/openlexica/lexicore/pkg/lexicore"
//	)
//
//	func main() {
//	    core, _ := lexicore.Open(lexicore.DefaultConfig("./data"))
//	    defer core.Close()
//
//	    core.CorpusCreate("en-base", nil, "en")
//	    core.CorpusInsert("en-base", []corpus.BatchItem{
//	        {Surface: "café", Language: "en", Frequency: 1.0},
//	    })
//
//	    ctx := context.Background()
//	    core.IndexEnsure(ctx, "en-base", lexicore.IndexOptions{Trie: true})
//	    res, _ := core.Search(ctx, "en-base", "cafe", cascade.Options{
//	        Method: cascade.MethodCascade,
//	        Limit:  10,
//	    })
//	    _ = res // res.Hits[0].Surface == "café"
//	}
//
// # Semantic Search
//
// Register an embedding provider and build the vector index; the structure
// kind (flat, fp16, int8, IVF-PQ, OPQ+IVF-PQ) is chosen from corpus size
// and a quality budget:
//
//	core.RegisterProvider("minilm", myProvider)
//	core.IndexEnsure(ctx, "en-base", lexicore.IndexOptions{
//	    Vector:   true,
//	    Provider: "minilm",
//	})
//
// Index versions are content-addressed and deduplicated; see pkg/blobstore
// for the version chains and pkg/cache for the two-tier cache in front of
// them.
package lexicore
