package pricing

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestComputeQuotesExample(t *testing.T) {
	t.Parallel()

	got := ComputeQuotes(Profile{Name: "Acme", Employees: 10, Payroll: 500000})
	want := QuoteSet{
		{Company: "SafeGuard Insurance", Premium: 9450, Deductible: 1000},
		{Company: "BizProtect Corp", Premium: 11550, Deductible: 500},
		{Company: "WorkerShield", Premium: 11025, Deductible: 750},
	}
	if got != want {
		t.Fatalf("ComputeQuotes = %+v, want %+v", got, want)
	}
}

func TestComputeQuotesFormula(t *testing.T) {
	t.Parallel()

	profiles := []Profile{
		{},
		{Employees: 1},
		{Payroll: 1},
		{Employees: 3, Payroll: 123457},
		{Employees: 7.5, Payroll: 99999.99},
		{Employees: 2500, Payroll: 180_000_000},
	}
	for _, p := range profiles {
		qs := ComputeQuotes(p)
		base := p.Payroll*0.02 + p.Employees*50
		for i, c := range Carriers() {
			q := qs[i]
			if q.Company != c.Name {
				t.Fatalf("quote %d company = %q, want %q", i, q.Company, c.Name)
			}
			if want := int64(math.Round(base * c.Multiplier)); q.Premium != want {
				t.Fatalf("%+v: %s premium = %d, want %d", p, c.Name, q.Premium, want)
			}
			if q.Deductible != c.Deductible {
				t.Fatalf("%s deductible = %d, want %d", c.Name, q.Deductible, c.Deductible)
			}
			if q.Premium < 0 {
				t.Fatalf("negative premium for %+v", p)
			}
		}
	}
}

func TestComputeQuotesIsDeterministic(t *testing.T) {
	t.Parallel()

	p := Profile{Name: "Same", Employees: 42, Payroll: 3_210_000}
	if ComputeQuotes(p) != ComputeQuotes(p) {
		t.Fatalf("two calls with the same profile differ")
	}
}

func TestComputeQuotesConcurrentIsolation(t *testing.T) {
	t.Parallel()

	a := Profile{Name: "A", Employees: 1, Payroll: 1000}
	b := Profile{Name: "B", Employees: 900, Payroll: 90_000_000}
	wantA, wantB := ComputeQuotes(a), ComputeQuotes(b)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if ComputeQuotes(a) != wantA {
				t.Errorf("profile A result changed under concurrency")
			}
		}()
		go func() {
			defer wg.Done()
			if ComputeQuotes(b) != wantB {
				t.Errorf("profile B result changed under concurrency")
			}
		}()
	}
	wg.Wait()
}

func TestCarriersReturnsCopy(t *testing.T) {
	t.Parallel()

	cs := Carriers()
	cs[0].Multiplier = 100
	if Carriers()[0].Multiplier != 0.90 {
		t.Fatalf("carrier table mutated through Carriers()")
	}
}

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Profile
		wantErr bool
	}{
		{name: "typical", p: Profile{Employees: 10, Payroll: 500_000}},
		{name: "zero", p: Profile{}},
		{name: "at limits", p: Profile{Employees: MaxEmployees, Payroll: MaxPayroll}},
		{name: "huge payroll", p: Profile{Employees: 10, Payroll: 1e21}, wantErr: true},
		{name: "huge headcount", p: Profile{Employees: 1e18, Payroll: 1}, wantErr: true},
		{name: "negative payroll", p: Profile{Payroll: -1}, wantErr: true},
		{name: "nan employees", p: Profile{Employees: math.NaN()}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("err = %v, want ErrOutOfRange", err)
			}
		})
	}
}

func TestComputeQuotesAtLimitsStaysPositive(t *testing.T) {
	t.Parallel()

	for _, q := range ComputeQuotes(Profile{Employees: MaxEmployees, Payroll: MaxPayroll}) {
		if q.Premium <= 0 {
			t.Fatalf("%s premium = %d at input limits", q.Company, q.Premium)
		}
	}
}
