package sqldb

import "testing"

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = a + ? WHERE k = ? AND c = ?"
	if got := Rebind(DriverSQLite, q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "UPDATE t SET a = a + $1 WHERE k = $2 AND c = $3"
	if got := Rebind(DriverPostgres, q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}
