package compositor

import (
	"context"
	"time"

	"github.com/cochaviz/composite/internal/apz"
)

// TestData is a diagnostics snapshot for one layer tree.
type TestData struct {
	TreeID     uint64            `json:"tree_id"`
	Frames     uint64            `json:"frames"`
	SampleTime time.Time         `json:"sample_time"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// TransactionHooks receives per-transaction notifications after the bridge
// has validated them. Every call arrives on the compositor runner with a
// non-zero tree id.
type TransactionHooks interface {
	TransactionCommitted(ctx context.Context, tx *LayerTransaction)
	CompositeFinished(ctx context.Context, treeID uint64)
	ForceRecomposite(ctx context.Context, tx *LayerTransaction)
	// EnterTestMode switches the tree to a fixed sample time. It reports
	// whether the backend supports test mode.
	EnterTestMode(ctx context.Context, tx *LayerTransaction, sampleTime time.Time) bool
	LeaveTestMode(ctx context.Context, tx *LayerTransaction)
	ApplyAsyncProperties(ctx context.Context, tx *LayerTransaction)
	FlushPendingRepaints(ctx context.Context, treeID uint64)
	TestData(ctx context.Context, tx *LayerTransaction) (TestData, bool)
	SetConfirmedTarget(ctx context.Context, tx *LayerTransaction, inputBlockID uint64, targets []apz.ScrollableLayerGuid)
	CompositionManager(ctx context.Context, tx *LayerTransaction) *CompositionManager
}

// NopHooks implements TransactionHooks with no behavior. Embed it to
// override a subset.
type NopHooks struct{}

var _ TransactionHooks = NopHooks{}

func (NopHooks) TransactionCommitted(context.Context, *LayerTransaction) {}
func (NopHooks) CompositeFinished(context.Context, uint64)               {}
func (NopHooks) ForceRecomposite(context.Context, *LayerTransaction)     {}
func (NopHooks) LeaveTestMode(context.Context, *LayerTransaction)        {}
func (NopHooks) ApplyAsyncProperties(context.Context, *LayerTransaction) {}
func (NopHooks) FlushPendingRepaints(context.Context, uint64)            {}

func (NopHooks) EnterTestMode(context.Context, *LayerTransaction, time.Time) bool { return false }

func (NopHooks) TestData(context.Context, *LayerTransaction) (TestData, bool) {
	return TestData{}, false
}

func (NopHooks) SetConfirmedTarget(context.Context, *LayerTransaction, uint64, []apz.ScrollableLayerGuid) {
}

func (NopHooks) CompositionManager(context.Context, *LayerTransaction) *CompositionManager {
	return nil
}
