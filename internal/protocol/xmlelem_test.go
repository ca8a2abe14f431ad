package protocol

import (
	"strings"
	"testing"
)

func TestRender_AttributesAndText(t *testing.T) {
	e := newElem("error").attr("id", "7").setText("Insufficient funds")

	out, err := render(e)
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	want := `<error id="7">Insufficient funds</error>`
	if string(out) != want {
		t.Errorf("render() = %q, want %q", out, want)
	}
}

func TestRender_NestedChildrenInOrder(t *testing.T) {
	root := newElem("results").
		addChild(newElem("created").attr("id", "1")).
		addChild(newElem("error").attr("id", "2").setText("Account already exists"))

	out, err := render(root)
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, `<results>`) || !strings.HasSuffix(s, `</results>`) {
		t.Fatalf("render() = %q, want wrapped in <results>...</results>", s)
	}
	createdIdx := strings.Index(s, `<created id="1"`)
	errorIdx := strings.Index(s, `<error id="2"`)
	if createdIdx == -1 || errorIdx == -1 || createdIdx > errorIdx {
		t.Errorf("render() = %q, expected created before error, in input order", s)
	}
}

func TestErrorElem_EchoesAttributePairs(t *testing.T) {
	e := errorElem("Insufficient shares", "sym", "AMZN", "amount", "-100")
	out, err := render(e)
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `sym="AMZN"`) || !strings.Contains(s, `amount="-100"`) {
		t.Errorf("render() = %q, expected echoed sym/amount attributes", s)
	}
	if !strings.Contains(s, "Insufficient shares") {
		t.Errorf("render() = %q, expected error message text", s)
	}
}
