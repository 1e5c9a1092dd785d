package intent

import "fmt"

const (
	RouteVectorSearch = "vector_search"
	RouteLiveAPI      = "live_api"

	DefaultMinResults    = 2
	DefaultMinConfidence = 0.7
)

// Router decides between answering from stored embeddings and a live call.
type Router struct {
	MinResults    int
	MinConfidence float64
}

type Decision struct {
	Method string `json:"method"`
	Reason string `json:"reason"`
}

// NewRouter uses the thresholds as given; configuration validates them.
func NewRouter(minResults int, minConfidence float64) Router {
	return Router{MinResults: minResults, MinConfidence: minConfidence}
}

// DefaultRouter needs two stored results and confidence above 0.7.
func DefaultRouter() Router {
	return NewRouter(DefaultMinResults, DefaultMinConfidence)
}

// Decide picks vector search only when there are enough results and the
// intent confidence is strictly above the minimum.
func (r Router) Decide(resultCount int, confidence float64) Decision {
	confidence = clamp(confidence)
	switch {
	case resultCount < r.MinResults:
		return Decision{
			Method: RouteLiveAPI,
			Reason: fmt.Sprintf("only %d stored results (need %d)", resultCount, r.MinResults),
		}
	case confidence <= r.MinConfidence:
		return Decision{
			Method: RouteLiveAPI,
			Reason: fmt.Sprintf("intent confidence %.2f not above %.2f", confidence, r.MinConfidence),
		}
	default:
		return Decision{
			Method: RouteVectorSearch,
			Reason: fmt.Sprintf("%d stored results at confidence %.2f", resultCount, confidence),
		}
	}
}
