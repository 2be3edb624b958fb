package filter

import (
	"testing"

	"github.com/pombredanne/paf/internal/props"
)

func witness(kvs ...interface{}) *props.Props {
	p := props.New()
	for i := 0; i < len(kvs); i += 2 {
		key := kvs[i].(string)
		switch v := kvs[i+1].(type) {
		case int:
			p.Add(key, props.Int(int64(v)))
		case string:
			p.Add(key, props.Str(v))
		}
	}
	return p
}

func TestEqualityWithWildcard(t *testing.T) {
	f, err := Compile("(name=fo*)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Matches(witness("name", "foo")) {
		t.Fatalf("expected match")
	}
	if f.Matches(witness("name", "bar")) {
		t.Fatalf("expected no match")
	}
}

func TestPresence(t *testing.T) {
	f, err := Compile("(color=*)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Matches(witness("color", "green")) {
		t.Fatalf("expected match")
	}
	if f.Matches(witness("name", "green")) {
		t.Fatalf("expected no match for missing key")
	}
}

func TestIntegerComparisonTypeMismatch(t *testing.T) {
	f, err := Compile("(count>5)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Matches(witness("count", 7)) {
		t.Fatalf("expected match")
	}
	if f.Matches(witness("count", "7")) {
		t.Fatalf("string value must not match an integer comparison")
	}
}

func TestAndOrNot(t *testing.T) {
	f, err := Compile("(&(name=foo)(!(color=blue)))")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Matches(witness("name", "foo", "color", "green")) {
		t.Fatalf("expected match")
	}
	if f.Matches(witness("name", "foo", "color", "blue")) {
		t.Fatalf("expected no match")
	}
}

func TestSyntaxError(t *testing.T) {
	_, err := Compile("(&(name=x)")
	if err == nil {
		t.Fatalf("expected syntax error")
	}
	var se *SyntaxError
	if !asSyntaxError(err, &se) {
		t.Fatalf("expected *SyntaxError, got %T: %v", err, err)
	}
}

func asSyntaxError(err error, target **SyntaxError) bool {
	se, ok := err.(*SyntaxError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func TestNodeCountCharge(t *testing.T) {
	f, err := Compile("(&(name=foo)(color=*))")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.NodeCount() != 3 {
		t.Fatalf("expected 3 nodes (and + 2 leaves), got %d", f.NodeCount())
	}
}

// FilterRoundTrip is the §8 testable property: every compiled filter
// evaluates true against its own witness set.
func TestFilterRoundTrip(t *testing.T) {
	cases := []struct {
		text    string
		witness *props.Props
	}{
		{"(name=foo)", witness("name", "foo")},
		{"(count>=5)", witness("count", 5)},
		{"(|(a=1)(b=2))", witness("b", 2)},
	}
	for _, c := range cases {
		f, err := Compile(c.text)
		if err != nil {
			t.Fatalf("compile %q: %v", c.text, err)
		}
		if !f.Matches(c.witness) {
			t.Fatalf("expected %q to match its own witness", c.text)
		}
	}
}

func TestCache(t *testing.T) {
	c := NewCache(4)
	f1, err := c.Compile("(name=foo)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	f2, err := c.Compile("(name=foo)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f1 != f2 {
		t.Fatalf("expected cached filter to be reused")
	}
}
