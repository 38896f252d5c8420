package marketdata_test

import (
	"errors"
	"testing"

	"github.com/vestra/portfolio-engine/internal/marketdata"
)

func TestFXSymbol(t *testing.T) {
	tests := []struct {
		from, to string
		want     string
		wantErr  error
	}{
		{"EUR", "USD", "EURUSD=X", nil},
		{"USD", "JPY", "USDJPY=X", nil},
		{"USD", "USD", "", nil}, // identity, no quote needed
		{"usd", "EUR", "", marketdata.ErrInvalidCurrency},
		{"US", "EUR", "", marketdata.ErrInvalidCurrency},
		{"USD", "EURO", "", marketdata.ErrInvalidCurrency},
	}

	for _, tt := range tests {
		got, err := marketdata.FXSymbol(tt.from, tt.to)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FXSymbol(%q, %q) err = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("FXSymbol(%q, %q) unexpected error: %v", tt.from, tt.to, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FXSymbol(%q, %q) = %q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseFXSymbol(t *testing.T) {
	from, to, err := marketdata.ParseFXSymbol("EURUSD=X")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if from != "EUR" || to != "USD" {
		t.Errorf("parsed %s/%s, want EUR/USD", from, to)
	}

	for _, bad := range []string{"EURUSD", "eurusd=X", "EUR/USD", "EURUSDX=X", "AAPL"} {
		if _, _, err := marketdata.ParseFXSymbol(bad); !errors.Is(err, marketdata.ErrInvalidFXSymbol) {
			t.Errorf("ParseFXSymbol(%q) err = %v, want ErrInvalidFXSymbol", bad, err)
		}
	}
}

func TestIsFXSymbol(t *testing.T) {
	if !marketdata.IsFXSymbol("EURUSD=X") {
		t.Error("EURUSD=X should be an fx symbol")
	}
	if marketdata.IsFXSymbol("AAPL") {
		t.Error("AAPL should not be an fx symbol")
	}
}
