package model

import (
	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/kvcache"
)

// buildMask returns the attention mask for n new queries of one request
// over the keys of view. Query i sits at absolute index view.Past+i and key
// j at view.Start+j. contextLen is the prompt length for the GLM mask;
// 0 means everything in the view is context.
func buildMask(kind config.MaskKind, view kvcache.CacheView, n, contextLen int) *graph.Mask {
	keys := view.Keys.Dim(0)
	if contextLen <= 0 {
		contextLen = view.Past + n
	}
	m := graph.NewMask(n, keys)
	for i := 0; i < n; i++ {
		q := view.Past + i
		for j := 0; j < keys; j++ {
			k := view.Start + j
			var ok bool
			switch kind {
			case config.Causal:
				ok = k <= q
			case config.Bidirectional:
				ok = true
			case config.BidirectionalGLM:
				if q < contextLen-1 {
					ok = k < contextLen-1
				} else {
					ok = k <= q
				}
			}
			if ok && view.Window > 0 && k <= q-view.Window {
				ok = false
			}
			m.Set(i, j, ok)
		}
	}
	return m
}
