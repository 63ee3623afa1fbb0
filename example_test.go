package invoice_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
)

// libraryGraph is a four stage pipeline: large invoices are held for review
// before booking.
//
//	score -> (small) book -> done
//	      -> (large) review [pause] -> book -> done
func libraryGraph(t *testing.T, booked *[]string) *invoice.Graph {
	t.Helper()
	score := invoice.NewStageFunction("score", invoice.ModeDeterministic, func(ctx context.Context, rec *invoice.Record) error {
		total := rec.Fields.Total()
		if total > 1000 {
			rec.Category = "large"
		} else {
			rec.Category = "small"
		}
		return nil
	})
	review := invoice.NewStageFunction("review", invoice.ModeDeterministic, func(ctx context.Context, rec *invoice.Record) error {
		rec.PauseReason = "amount above review limit"
		return nil
	})
	book := invoice.NewStageFunction("book", invoice.ModeNonDeterministic, func(ctx context.Context, rec *invoice.Record) error {
		if rec.HumanDecision == invoice.DecisionReject {
			rec.RunStatus = invoice.StatusManualHandoff
			return nil
		}
		*booked = append(*booked, rec.Fields.InvoiceNumber)
		rec.RunStatus = "BOOKED"
		return nil
	})
	done := invoice.NewStageFunction("done", invoice.ModeDeterministic, func(ctx context.Context, rec *invoice.Record) error {
		if rec.RunStatus == "BOOKED" {
			rec.RunStatus = invoice.StatusCompleted
		}
		return nil
	})

	g, err := invoice.NewGraph(invoice.GraphOptions{
		Entry:    "score",
		Terminal: "done",
		Nodes: []*invoice.Node{
			{
				Stage:  score,
				Router: &invoice.Router{Values: []string{"small", "large"}, Route: func(rec *invoice.Record) string { return rec.Category }},
				Routes: map[string]string{"small": "book", "large": "review"},
			},
			{Stage: review, Next: "book", Pause: func(*invoice.Record) bool { return true }},
			{Stage: book, Next: "done"},
			{Stage: done},
		},
	})
	require.NoError(t, err)
	return g
}

func libraryRecord(number string, total float64) *invoice.Record {
	rec := invoice.NewRecord("/in/"+number+".json", "json")
	rec.Fields = &invoice.Fields{InvoiceNumber: number, TotalAmount: invoice.Ptr(total)}
	return rec
}

func TestPipelineLibraryExample(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	var booked []string
	engine, err := invoice.NewEngine(invoice.EngineOptions{
		Graph:         libraryGraph(t, &booked),
		Logger:        logger,
		ReviewURLBase: "https://review.example.com/",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	small, err := engine.RunRecord(ctx, libraryRecord("INV-1", 250))
	require.NoError(t, err)
	require.Equal(t, invoice.RunCompleted, small.State)
	require.Equal(t, invoice.StatusCompleted, small.Record.RunStatus)
	require.Equal(t, []string{"INV-1"}, booked)

	large, err := engine.RunRecord(ctx, libraryRecord("INV-2", 5000))
	require.NoError(t, err)
	require.Equal(t, invoice.RunPausedForReview, large.State)
	require.Equal(t, "review", large.LastStage)
	require.Equal(t, "https://review.example.com/"+large.CheckpointID, large.Record.ReviewURL)
	require.Len(t, booked, 1)

	resumed, err := engine.SubmitDecision(ctx, large.CheckpointID, invoice.DecisionAccept, "alice", "")
	require.NoError(t, err)
	require.Equal(t, invoice.RunCompleted, resumed.State)
	require.Equal(t, []string{"INV-1", "INV-2"}, booked)

	status, err := engine.GetRunStatus(ctx, large.RecordID)
	require.NoError(t, err)
	require.Equal(t, invoice.RunCompleted, status.State)
	require.Equal(t, "done", status.LastStage)
}
