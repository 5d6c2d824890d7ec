package jfe

import (
	"encoding/json"
	"fmt"
)

var comparisonOps = map[string]string{
	"==": "=",
	"!=": "<>",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

var arithmeticOps = map[string]string{
	"+": "+",
	"-": "-",
	"*": "*",
	"/": "/",
}

var spatialOps = map[string]string{
	"intersects": "ST_Intersects",
	"within":     "ST_Within",
}

// functionNames maps expression operators to SQL function names.
var functionNames = map[string]string{
	"%":     "mod",
	"^":     "pow",
	"floor": "floor",
	"ceil":  "ceil",
	"abs":   "abs",
	"min":   "least",
	"max":   "greatest",
}

// typingPredicates wrap a value without changing it.
var typingPredicates = map[string]bool{
	"array": true, "boolean": true, "number": true, "string": true,
	"literal": true, "to-boolean": true, "to-number": true, "to-string": true,
}

// Parse compiles a JSON filter expression (raw JSON text or an already
// decoded value) into an AST. geomField names the layer's geometry
// column for the $type / geometry-type predicates.
func Parse(raw any, geomField string) (Node, error) {
	var root any
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &root); err != nil {
			return nil, fmt.Errorf("jfe: invalid filter JSON: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &root); err != nil {
			return nil, fmt.Errorf("jfe: invalid filter JSON: %w", err)
		}
	default:
		root = raw
	}
	return parseNode(root, geomField)
}

func parseNode(node any, geomField string) (Node, error) {
	switch v := node.(type) {
	case string:
		return Literal{Value: v}, nil
	case float64:
		return Literal{Value: v}, nil
	case bool:
		return Literal{Value: v}, nil
	case map[string]any:
		// An object with a "type" property is a literal geometry.
		if _, ok := v["type"]; ok {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("jfe: encoding geometry: %w", err)
			}
			return Geometry{GeoJSON: string(b)}, nil
		}
		return nil, fmt.Errorf("jfe: unexpected object in expression")
	case []any:
		return parseList(v, geomField)
	default:
		return nil, fmt.Errorf("jfe: invalid node type %T", node)
	}
}

func parseList(node []any, geomField string) (Node, error) {
	if len(node) == 0 {
		return nil, fmt.Errorf("jfe: empty expression")
	}
	op, ok := node[0].(string)
	if !ok {
		return nil, fmt.Errorf("jfe: expression operator must be a string, got %T", node[0])
	}
	rest := node[1:]

	switch {
	case op == "all" || op == "any":
		logical := "AND"
		if op == "any" {
			logical = "OR"
		}
		args := make([]Node, 0, len(rest))
		for _, sub := range rest {
			n, err := parseNode(sub, geomField)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("jfe: %q needs at least one argument", op)
		}
		if len(args) == 1 {
			return args[0], nil
		}
		return Logical{Op: logical, Args: args}, nil

	case op == "!":
		if len(rest) != 1 {
			return nil, fmt.Errorf("jfe: %q takes one argument", op)
		}
		arg, err := parseNode(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		return Not{Arg: arg}, nil

	case comparisonOps[op] != "":
		if len(rest) < 2 {
			return nil, fmt.Errorf("jfe: %q takes two arguments", op)
		}
		// ["==", "$type", "Polygon"] and ["==", ["geometry-type"], ...]
		// compare the geometry type of the feature.
		if isGeometryTypeRef(rest[0]) {
			typ, ok := rest[1].(string)
			if !ok {
				return nil, fmt.Errorf("jfe: geometry type comparison needs a string, got %T", rest[1])
			}
			return GeometryType{Op: comparisonOps[op], RHS: "ST_" + typ}, nil
		}
		lhs, err := parseOperand(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		rhs, err := parseNode(rest[1], geomField)
		if err != nil {
			return nil, err
		}
		return Comparison{Op: comparisonOps[op], LHS: lhs, RHS: rhs}, nil

	case op == "like":
		if len(rest) < 2 {
			return nil, fmt.Errorf("jfe: like takes an attribute and a pattern")
		}
		lhs, err := parseOperand(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		pattern, ok := rest[1].(string)
		if !ok {
			return nil, fmt.Errorf("jfe: like pattern must be a string, got %T", rest[1])
		}
		wildcard := "%"
		if len(rest) > 2 {
			if obj, ok := rest[2].(map[string]any); ok {
				if w, ok := obj["wildCard"].(string); ok {
					wildcard = w
				}
			}
		}
		return Like{LHS: lhs, Pattern: pattern, Wildcard: wildcard}, nil

	case op == "in" || op == "!in":
		if len(rest) < 2 {
			return nil, fmt.Errorf("jfe: %q takes an attribute and options", op)
		}
		lhs, err := parseOperand(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		options := make([]Node, 0, len(rest)-1)
		for _, o := range rest[1:] {
			n, err := parseNode(o, geomField)
			if err != nil {
				return nil, err
			}
			options = append(options, n)
		}
		return In{LHS: lhs, Options: options, Negate: op == "!in"}, nil

	case op == "has" || op == "!has":
		if len(rest) != 1 {
			return nil, fmt.Errorf("jfe: %q takes one attribute", op)
		}
		lhs, err := parseOperand(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		// "has" means the attribute is NOT NULL.
		return IsNull{LHS: lhs, Negate: op == "has"}, nil

	case op == "get":
		if len(rest) != 1 {
			return nil, fmt.Errorf("jfe: get takes one attribute name")
		}
		name, ok := rest[0].(string)
		if !ok {
			return nil, fmt.Errorf("jfe: get needs a string attribute, got %T", rest[0])
		}
		return Attribute{Name: name}, nil

	case typingPredicates[op]:
		if len(rest) < 1 {
			return nil, fmt.Errorf("jfe: %q needs a value", op)
		}
		return parseNode(rest[0], geomField)

	case spatialOps[op] != "":
		args := make([]Node, 0, len(rest))
		for _, sub := range rest {
			n, err := parseNode(sub, geomField)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		return Spatial{Func: spatialOps[op], Args: args}, nil

	case arithmeticOps[op] != "":
		if len(rest) != 2 {
			return nil, fmt.Errorf("jfe: %q takes two arguments", op)
		}
		lhs, err := parseOperand(rest[0], geomField)
		if err != nil {
			return nil, err
		}
		rhs, err := parseNode(rest[1], geomField)
		if err != nil {
			return nil, err
		}
		return Arithmetic{Op: arithmeticOps[op], LHS: lhs, RHS: rhs}, nil

	case functionNames[op] != "":
		args := make([]Node, 0, len(rest))
		for _, sub := range rest {
			n, err := parseOperand(sub, geomField)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		return Function{Name: functionNames[op], Args: args}, nil
	}

	return nil, fmt.Errorf("jfe: invalid expression operation %q", op)
}

// parseOperand parses a value position where a bare string names an
// attribute rather than a literal.
func parseOperand(node any, geomField string) (Node, error) {
	if s, ok := node.(string); ok {
		return Attribute{Name: s}, nil
	}
	n, err := parseNode(node, geomField)
	if err != nil {
		return nil, err
	}
	if lit, ok := n.(Literal); ok {
		if s, ok := lit.Value.(string); ok {
			return Attribute{Name: s}, nil
		}
	}
	return n, nil
}

func isGeometryTypeRef(node any) bool {
	if s, ok := node.(string); ok && s == "$type" {
		return true
	}
	if list, ok := node.([]any); ok && len(list) == 1 {
		if s, ok := list[0].(string); ok && s == "geometry-type" {
			return true
		}
	}
	return false
}
