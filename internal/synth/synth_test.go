package synth

import (
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := Generate(cfg)
	if len(rows) != 1000 {
		t.Fatalf("expected 1000 rows, got %d", len(rows))
	}

	fraud := 0
	for i, r := range rows {
		if r.IsFraud {
			fraud++
			if r.Amount < 20000 || r.Amount > 100000 {
				t.Errorf("row %d: anomalous amount %v out of range", i, r.Amount)
			}
			if r.DeviceType != "Desktop" || r.Location != "Unknown" {
				t.Errorf("row %d: unexpected anomalous profile %+v", i, r.Transaction)
			}
		} else if r.Amount < 100 {
			t.Errorf("row %d: normal amount %v below floor", i, r.Amount)
		}

		if r.Timestamp.After(cfg.Now) || r.Timestamp.Before(cfg.Now.AddDate(0, 0, -90)) {
			t.Errorf("row %d: timestamp %v outside lookback", i, r.Timestamp)
		}
	}
	if fraud != 150 {
		t.Errorf("expected 150 anomalous rows, got %d", fraud)
	}
	if rows[0].TransactionID != "TXN000001" || rows[999].TransactionID != "TXN001000" {
		t.Errorf("unexpected ids: %s .. %s", rows[0].TransactionID, rows[999].TransactionID)
	}

	again := Generate(cfg)
	for i := range rows {
		if rows[i] != again[i] {
			t.Fatalf("expected deterministic output for the same seed at row %d", i)
		}
	}

	if len(Transactions(rows)) != 1000 {
		t.Error("expected Transactions to keep every row")
	}
}
