package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// BankTable is the physical table of the bank marketing fixture.
const BankTable = "bank_customers"

// BankCSV is a small sample of the bank marketing export, ';'-delimited.
const BankCSV = `"age";"job";"marital";"education";"default";"balance";"housing";"loan";"contact";"day";"month";"duration";"campaign";"pdays";"previous";"poutcome";"y"
30;"admin.";"married";"secondary";"no";1500;"yes";"no";"cellular";5;"may";200;1;-1;0;"unknown";"no"
45;"technician";"single";"tertiary";"no";2500;"yes";"yes";"cellular";6;"may";150;2;-1;0;"unknown";"yes"
52;"admin.";"married";"secondary";"no";300;"yes";"no";"telephone";7;"jun";300;1;100;1;"success";"yes"
28;"student";"single";"tertiary";"no";50;"no";"no";"cellular";8;"jun";400;3;-1;0;"unknown";"no"
60;"retired";"married";"primary";"no";8000;"no";"no";"telephone";9;"jul";500;1;-1;0;"unknown";"yes"
35;"blue-collar";"married";"secondary";"yes";-200;"yes";"yes";"unknown";10;"jul";90;4;-1;0;"unknown";"no"
41;"management";"divorced";"tertiary";"no";4200;"yes";"no";"cellular";11;"aug";250;2;200;2;"failure";"no"
33;"services";"single";"secondary";"no";900;"yes";"no";"cellular";12;"aug";120;1;-1;0;"unknown";"no"
48;"entrepreneur";"married";"tertiary";"no";1200;"no";"yes";"cellular";13;"sep";310;2;-1;0;"unknown";"no"
57;"housemaid";"widowed";"primary";"no";0;"no";"no";"telephone";14;"oct";80;5;-1;0;"unknown";"no"
38;"self-employed";"married";"tertiary";"no";3100;"yes";"no";"cellular";15;"nov";600;1;90;3;"success";"yes"
25;"unemployed";"single";"secondary";"no";10;"no";"no";"unknown";16;"dec";60;1;-1;0;"unknown";"no"
`

// Known counts in BankCSV.
const (
	BankRowCount = 12
	// housing = 'yes' AND balance > 1000
	BankHousingRichCount = 4
	// y = 'yes'
	BankSubscribedCount = 4
)

// BankColumns lists the fixture columns in declaration order.
var BankColumns = []string{
	"age", "job", "marital", "education", "default", "balance", "housing", "loan", "contact",
	"day", "month", "duration", "campaign", "pdays", "previous", "poutcome", "y",
}

// NewBankStore returns an in-memory SQLite store loaded with BankCSV.
func NewBankStore(t testing.TB) *store.SQLStore {
	t.Helper()
	ctx := context.Background()

	s, closeFn, err := store.OpenMemory(ctx, BankTable)
	if err != nil {
		t.Fatalf("open bank store: %v", err)
	}
	t.Cleanup(closeFn)

	if _, err := s.LoadCSV(ctx, strings.NewReader(BankCSV), store.CSVOptions{Comma: ';'}); err != nil {
		t.Fatalf("load bank csv: %v", err)
	}
	return s
}

// BankSchema returns a schema snapshot with the fixture's columns and no
// profiling data, for tests that never touch a database.
func BankSchema() *store.Schema {
	s := &store.Schema{Table: BankTable}
	for _, c := range BankColumns {
		s.Columns = append(s.Columns, store.Column{Name: c, Type: "TEXT"})
	}
	return s
}
