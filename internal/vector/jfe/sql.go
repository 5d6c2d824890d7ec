package jfe

import (
	"fmt"
	"strconv"
	"strings"
)

// ToSQLWhere renders a parsed filter into a SQL WHERE clause. The field
// mapping binds attribute names to the columns of the layer's SELECT;
// geomField names the geometry column for type predicates. Attributes
// outside the mapping are compile errors, surfaced before any query
// runs.
func ToSQLWhere(root Node, fieldMapping map[string]string, geomField string) (string, error) {
	e := &evaluator{fields: fieldMapping, geomField: geomField}
	return e.eval(root)
}

type evaluator struct {
	fields    map[string]string
	geomField string
}

func (e *evaluator) eval(n Node) (string, error) {
	switch v := n.(type) {
	case Comparison:
		lhs, err := e.eval(v.LHS)
		if err != nil {
			return "", err
		}
		rhs, err := e.eval(v.RHS)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", lhs, v.Op, rhs), nil

	case Logical:
		parts := make([]string, 0, len(v.Args))
		for _, a := range v.Args {
			s, err := e.eval(a)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "(" + strings.Join(parts, " "+v.Op+" ") + ")", nil

	case Not:
		s, err := e.eval(v.Arg)
		if err != nil {
			return "", err
		}
		return "NOT " + s, nil

	case Like:
		lhs, err := e.eval(v.LHS)
		if err != nil {
			return "", err
		}
		pattern := v.Pattern
		if v.Wildcard != "%" {
			pattern = strings.ReplaceAll(pattern, v.Wildcard, "%")
		}
		return fmt.Sprintf(`%s LIKE '%s' ESCAPE '\'`, lhs, escapeString(pattern)), nil

	case In:
		lhs, err := e.eval(v.LHS)
		if err != nil {
			return "", err
		}
		options := make([]string, 0, len(v.Options))
		for _, o := range v.Options {
			s, err := e.eval(o)
			if err != nil {
				return "", err
			}
			options = append(options, s)
		}
		not := ""
		if v.Negate {
			not = "NOT "
		}
		return fmt.Sprintf("%s %sIN (%s)", lhs, not, strings.Join(options, ", ")), nil

	case IsNull:
		lhs, err := e.eval(v.LHS)
		if err != nil {
			return "", err
		}
		if v.Negate {
			return lhs + " IS NOT NULL", nil
		}
		return lhs + " IS NULL", nil

	case Attribute:
		col, ok := e.fields[v.Name]
		if !ok {
			return "", fmt.Errorf("jfe: field %q not present in SELECT clause", v.Name)
		}
		return `"` + col + `"`, nil

	case Literal:
		switch val := v.Value.(type) {
		case string:
			return "'" + escapeString(val) + "'", nil
		case float64:
			return strconv.FormatFloat(val, 'g', -1, 64), nil
		case bool:
			if val {
				return "TRUE", nil
			}
			return "FALSE", nil
		default:
			return "", fmt.Errorf("jfe: unsupported literal %T", v.Value)
		}

	case Arithmetic:
		lhs, err := e.eval(v.LHS)
		if err != nil {
			return "", err
		}
		rhs, err := e.eval(v.RHS)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", lhs, v.Op, rhs), nil

	case Function:
		args := make([]string, 0, len(v.Args))
		for _, a := range v.Args {
			s, err := e.eval(a)
			if err != nil {
				return "", err
			}
			args = append(args, s)
		}
		return fmt.Sprintf("%s(%s)", v.Name, strings.Join(args, ",")), nil

	case Spatial:
		args := make([]string, 0, len(v.Args)+1)
		args = append(args, `"`+e.geomField+`"`)
		for _, a := range v.Args {
			s, err := e.eval(a)
			if err != nil {
				return "", err
			}
			args = append(args, s)
		}
		return fmt.Sprintf("%s(%s)", v.Func, strings.Join(args, ",")), nil

	case Geometry:
		return fmt.Sprintf("ST_GeomFromGeoJSON('%s')", escapeString(v.GeoJSON)), nil

	case GeometryType:
		return fmt.Sprintf("(ST_GeometryType(%q) %s '%s')", e.geomField, v.Op, v.RHS), nil

	default:
		return "", fmt.Errorf("jfe: cannot evaluate node %T", n)
	}
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Compile parses a filter and renders its WHERE clause in one step.
func Compile(raw any, fieldMapping map[string]string, geomField string) (string, error) {
	root, err := Parse(raw, geomField)
	if err != nil {
		return "", err
	}
	return ToSQLWhere(root, fieldMapping, geomField)
}
