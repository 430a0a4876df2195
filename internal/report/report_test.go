package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

func sampleResult(n int) *backtest.Result {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := &backtest.Result{
		Symbol:         "AAPL",
		InitialCapital: 1000,
		Params:         backtest.DefaultParams(),
	}
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		v := 1000 + float64(i)*3
		res.Snapshots = append(res.Snapshots, backtest.Snapshot{Date: d, AccountValue: v, AccountBalance: v})
		res.Prices = append(res.Prices, domain.PricePoint{Date: d, Price: 100 + float64(i)})
	}
	res.FinalAccountValue = res.Snapshots[n-1].AccountValue
	return res
}

func TestEquityCurvePNG(t *testing.T) {
	img, err := EquityCurve(sampleResult(30))
	if err != nil {
		t.Fatalf("EquityCurve: %v", err)
	}
	if !bytes.HasPrefix(img, []byte("\x89PNG")) {
		t.Errorf("image does not start with PNG signature")
	}
}

func TestEquityCurveTooFewPoints(t *testing.T) {
	if _, err := EquityCurve(sampleResult(1)); !errors.Is(err, ErrTooFewPoints) {
		t.Errorf("err = %v, want ErrTooFewPoints", err)
	}
}

func TestBuyAndHold(t *testing.T) {
	hold := buyAndHold(sampleResult(3))
	if len(hold) != 3 {
		t.Fatalf("len = %d, want 3", len(hold))
	}
	if hold[0] != 1000 || hold[2] != 1020 {
		t.Errorf("hold = %v, want [1000 1010 1020]", hold)
	}
}

func TestCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Set("k", []byte{1, 2, 3})
	got, ok := c.Get("k")
	if !ok || len(got) != 3 {
		t.Fatalf("Get = %v, %v; want hit", got, ok)
	}
	got[0] = 9
	again, _ := c.Get("k")
	if again[0] != 1 {
		t.Errorf("cached bytes mutated through returned slice")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("Get after TTL = hit, want miss")
	}
}
