package scoring

import (
	"fmt"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestNormalize(t *testing.T) {
	t.Run("Range", func(t *testing.T) {
		p := Normalize([]float64{0.1, -0.2, 0.4})
		if p[1] != 1 {
			t.Errorf("expected lowest decision to map to 1, got %v", p[1])
		}
		if p[2] != 0 {
			t.Errorf("expected highest decision to map to 0, got %v", p[2])
		}
		if math.Abs(p[0]-0.5) > 1e-12 {
			t.Errorf("expected midpoint 0.5, got %v", p[0])
		}
	})

	t.Run("Degenerate", func(t *testing.T) {
		for _, v := range Normalize([]float64{0.3, 0.3, 0.3}) {
			if v != 0.5 {
				t.Errorf("expected 0.5 for equal decisions, got %v", v)
			}
		}
		if v := Normalize([]float64{-1})[0]; v != 0.5 {
			t.Errorf("expected 0.5 for a single row, got %v", v)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if len(Normalize(nil)) != 0 {
			t.Error("expected empty output")
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		p    float64
		want domain.RiskLevel
	}{
		{0, domain.RiskUnclassified},
		{0.0001, domain.RiskLow},
		{0.3, domain.RiskLow},
		{0.30001, domain.RiskMedium},
		{0.7, domain.RiskMedium},
		{0.70001, domain.RiskHigh},
		{1, domain.RiskHigh},
		{1.01, domain.RiskUnclassified},
		{-0.1, domain.RiskUnclassified},
	}

	for _, c := range cases {
		if got := Classify(c.p); got != c.want {
			t.Errorf("Classify(%v): expected %s, got %s", c.p, c.want, got)
		}
	}
}

func results(total, fraud int) []domain.ScoredResult {
	out := make([]domain.ScoredResult, total)
	for i := range out {
		out[i].Transaction = domain.Transaction{
			TransactionID: fmt.Sprintf("TXN%06d", i),
			CustomerID:    fmt.Sprintf("CUST%04d", i%10),
			Amount:        float64(100 + i),
		}
		// flagged rows get decreasing decisions so later rows rank higher
		out[i].Decision = 0.1
		if i < fraud {
			out[i].IsFraud = true
			out[i].Decision = -float64(i) / float64(total)
		}
	}
	Apply(out)
	return out
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor()

	t.Run("CapAndOrder", func(t *testing.T) {
		a := proc.Process(results(1000, 150))

		if a.TotalTransactions != 1000 {
			t.Errorf("expected 1000 total, got %d", a.TotalTransactions)
		}
		if a.FraudDetected != 150 {
			t.Errorf("expected 150 detected, got %d", a.FraudDetected)
		}
		if math.Abs(a.FraudRate-15) > 1e-9 {
			t.Errorf("expected fraud rate 15, got %v", a.FraudRate)
		}
		if len(a.FlaggedTransactions) != 100 {
			t.Fatalf("expected flagged list capped to 100, got %d", len(a.FlaggedTransactions))
		}
		if !a.Metadata.Truncated {
			t.Error("expected truncated metadata")
		}
		for i := 1; i < len(a.FlaggedTransactions); i++ {
			if a.FlaggedTransactions[i].FraudProbability > a.FlaggedTransactions[i-1].FraudProbability {
				t.Fatalf("flagged list not sorted at %d", i)
			}
		}
		if a.FlaggedTransactions[0].TransactionID != "TXN000149" {
			t.Errorf("expected most anomalous row first, got %s", a.FlaggedTransactions[0].TransactionID)
		}
		if a.FlaggedTransactions[0].FraudProbability != 100 {
			t.Errorf("expected top probability 100, got %v", a.FlaggedTransactions[0].FraudProbability)
		}
	})

	t.Run("Totals", func(t *testing.T) {
		rs := results(40, 7)
		a := proc.Process(rs)

		notFlagged := 0
		for _, r := range rs {
			if !r.IsFraud {
				notFlagged++
			}
		}
		if a.FraudDetected+notFlagged != a.TotalTransactions {
			t.Errorf("expected %d + %d = %d", a.FraudDetected, notFlagged, a.TotalTransactions)
		}
		if len(a.FlaggedTransactions) != 7 || a.Metadata.Truncated {
			t.Errorf("expected 7 untruncated entries, got %d", len(a.FlaggedTransactions))
		}
	})

	t.Run("StableTies", func(t *testing.T) {
		rs := make([]domain.ScoredResult, 3)
		for i := range rs {
			rs[i].Transaction.TransactionID = fmt.Sprintf("T%d", i)
			rs[i].IsFraud = true
			rs[i].FraudProbability = 50
		}
		a := proc.Process(rs)
		for i, f := range a.FlaggedTransactions {
			if f.TransactionID != fmt.Sprintf("T%d", i) {
				t.Errorf("expected input order preserved on ties, got %s at %d", f.TransactionID, i)
			}
			if f.Row != i+1 {
				t.Errorf("expected row %d, got %d", i+1, f.Row)
			}
		}
	})

	t.Run("NoneFlagged", func(t *testing.T) {
		a := proc.Process(results(5, 0))
		if a.FlaggedTransactions == nil {
			t.Error("expected empty, non-nil flagged list")
		}
		if a.FraudRate != 0 {
			t.Errorf("expected fraud rate 0, got %v", a.FraudRate)
		}
	})

	t.Run("CustomLimit", func(t *testing.T) {
		small := &Processor{FlaggedLimit: 5}
		a := small.Process(results(50, 20))
		if len(a.FlaggedTransactions) != 5 || a.Metadata.FlaggedLimit != 5 {
			t.Errorf("expected 5 entries, got %d", len(a.FlaggedTransactions))
		}
	})
}

func TestApply(t *testing.T) {
	rs := []domain.ScoredResult{{Decision: 0.2}, {Decision: -0.3}}
	Apply(rs)

	if rs[1].RiskLevel != domain.RiskHigh || rs[1].FraudProbability != 100 {
		t.Errorf("expected most anomalous row High at 100, got %s %v", rs[1].RiskLevel, rs[1].FraudProbability)
	}
	if rs[0].RiskLevel != domain.RiskUnclassified || rs[0].Probability != 0 {
		t.Errorf("expected least anomalous row Unclassified at 0, got %s %v", rs[0].RiskLevel, rs[0].Probability)
	}
}
