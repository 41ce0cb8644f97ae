package xmldoc

import (
	"strings"
	"testing"
)

const container = `<?xml version="1.0" encoding="UTF-8"?>
<req:Request xmlns:req="urn:req" xmlns:d="urn:doc">
  <d:Document><d:Key>k1</d:Key><d:File>a.pdf</d:File></d:Document>
  <d:Document><d:Key>k2</d:Key><d:File>b.pdf</d:File></d:Document>
  <req:Owner><req:INN>7700000000</req:INN><req:Name> Acme </req:Name></req:Owner>
</req:Request>`

func TestParseAndFind(t *testing.T) {
	d, err := Parse([]byte(container))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if d.RootNamespace() != "urn:req" {
		t.Fatalf("RootNamespace = %q", d.RootNamespace())
	}
	if d.Text("Name") != "Acme" {
		t.Fatalf("Text(Name) = %q", d.Text("Name"))
	}
	if d.FindNS("urn:other", "Document") != nil {
		t.Fatalf("FindNS matched the wrong namespace")
	}
	docs := d.FindAll("urn:doc", "Document")
	if len(docs) != 2 || ChildText(docs[1], "Key") != "k2" {
		t.Fatalf("FindAll = %d docs", len(docs))
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, err := Parse([]byte(container[:len(container)/2])); err == nil {
		t.Fatalf("expected error for truncated input")
	}
	if _, err := Parse([]byte("   ")); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestEval(t *testing.T) {
	d, _ := Parse([]byte(container))
	cases := map[string]string{
		"//*[local-name()='INN']":                 "7700000000",
		"//*[local-name()='Key']":                 "k1 k2",
		"count(//*[local-name()='Document'])":     "2",
		"concat('ИНН ', //*[local-name()='INN'])": "ИНН 7700000000",
	}
	for expr, want := range cases {
		got, err := d.Eval(expr)
		if err != nil || got != want {
			t.Fatalf("Eval(%s) = %q, %v; want %q", expr, got, err, want)
		}
	}
	if _, err := d.Eval("//*["); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestSplit(t *testing.T) {
	d, _ := Parse([]byte(container))
	parts, err := d.Split("urn:doc", "Document")
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("Split returned %d parts", len(parts))
	}
	for i, key := range []string{"k1", "k2"} {
		p, err := Parse(parts[i])
		if err != nil {
			t.Fatalf("part %d does not parse: %v", i, err)
		}
		docs := p.FindAll("urn:doc", "Document")
		if len(docs) != 1 || ChildText(docs[0], "Key") != key {
			t.Fatalf("part %d kept wrong documents: %s", i, parts[i])
		}
		if !strings.Contains(string(parts[i]), "7700000000") {
			t.Fatalf("part %d lost shared content", i)
		}
	}
}
