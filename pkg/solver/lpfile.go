package solver

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteLP writes the model in CPLEX LP format.
func WriteLP(w io.Writer, m *Model) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("\\ model: " + m.Name + "\n")
	bw.WriteString("Minimize\n obj:")
	var obj []Term
	for i, c := range m.cost {
		if c != 0 {
			obj = append(obj, Term{Var: Var(i), Coef: c})
		}
	}
	if len(obj) == 0 {
		bw.WriteString(" 0")
	}
	writeTerms(bw, m, obj)
	bw.WriteString("\nSubject To\n")
	for i, r := range m.rows {
		name := r.Name
		if name == "" {
			name = "c" + strconv.Itoa(i)
		}
		bw.WriteString(" " + name + ":")
		if len(r.Terms) == 0 {
			bw.WriteString(" 0")
		}
		writeTerms(bw, m, r.Terms)
		bw.WriteString(" " + r.Sense.String() + " " + formatFloat(r.RHS) + "\n")
	}
	bw.WriteString("Bounds\n")
	for i, name := range m.names {
		l, u := m.lower[i], m.upper[i]
		switch {
		case l == u:
			bw.WriteString(" " + name + " = " + formatFloat(l) + "\n")
		case math.IsInf(l, -1) && math.IsInf(u, 1):
			bw.WriteString(" " + name + " free\n")
		case l == 0 && math.IsInf(u, 1):
			// default bounds
		default:
			bw.WriteString(" " + formatBound(l) + " <= " + name + " <= " + formatBound(u) + "\n")
		}
	}
	bw.WriteString("End\n")
	return bw.Flush()
}

func writeTerms(bw *bufio.Writer, m *Model, terms []Term) {
	for _, t := range terms {
		if t.Coef < 0 {
			bw.WriteString(" - ")
		} else {
			bw.WriteString(" + ")
		}
		bw.WriteString(formatFloat(math.Abs(t.Coef)))
		bw.WriteString(" ")
		bw.WriteString(m.names[t.Var])
	}
}

func formatBound(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	return strings.Replace(s, "e+", "e", 1)
}
