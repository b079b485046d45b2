package extract

import (
	"regexp"
	"strings"

	"github.com/onec-graphrag/indexer/engine/identity"
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/internal/model"
)

var routineStartRe = regexp.MustCompile(`(?i)^(Процедура|Функция|Procedure|Function)\s+([\p{L}_][\p{L}\p{N}_]*)\s*\((.*?)\)\s*(.*)$`)
var routineEndRe = regexp.MustCompile(`(?i)^(КонецПроцедуры|КонецФункции|EndProcedure|EndFunction)`)
var callRe = regexp.MustCompile(`([\p{L}_][\p{L}\p{N}_]*)\s*\(`)

// bslState is private per-invocation state the .bsl extractor owns for
// the duration of one document. It is never package-scoped: the original
// extractor kept an equivalent map as a module-level global cleared on
// entry, which is a scoping accident this redesign avoids entirely by
// making it a local.
type bslState struct {
	routineBodies map[model.NodeKey]string
}

// extractBSL scans a 1C module source file line by line, emitting Module,
// Object, Routine, register, and reference nodes/edges.
func extractBSL(doc loader.Document) model.ExtractionResult {
	state := &bslState{routineBodies: map[model.NodeKey]string{}}

	moduleNode, moduleKey, objectNode, edges := buildObjectAndModule(doc)
	nodes := withObjectNode([]model.GraphNode{moduleNode}, objectNode)

	result := model.ExtractionResult{Nodes: nodes, Edges: edges}

	var (
		directiveBuffer     []string
		routineMap          = map[string]model.NodeKey{}
		currentLines        []string
		currentName         string
		currentSignature    string
		currentExport       bool
		currentExecSide     = "Unknown"
		inRoutine           bool
	)

	flush := func() {
		if !inRoutine {
			return
		}
		finalizeRoutine(&result, state, moduleKey, currentName, currentSignature, currentExport, currentExecSide, strings.Join(currentLines, "\n"), routineMap)
		inRoutine = false
		currentName, currentSignature, currentExecSide, currentExport = "", "", "Unknown", false
		currentLines = nil
		directiveBuffer = nil
	}

	for _, line := range strings.Split(doc.Content, "\n") {
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(stripped, "&") {
			directiveBuffer = append(directiveBuffer, strings.TrimLeft(stripped, "&"))
			continue
		}

		if m := routineStartRe.FindStringSubmatch(stripped); m != nil {
			flush()
			currentName = m[2]
			params := strings.TrimSpace(m[3])
			tail := m[4]
			currentSignature = strings.TrimSpace(currentName + "(" + params + ")")
			lowerTail := strings.ToLower(tail)
			currentExport = strings.Contains(lowerTail, "экспорт") || strings.Contains(lowerTail, "export")
			currentExecSide = determineExecSide(directiveBuffer)
			currentLines = nil
			directiveBuffer = nil
			inRoutine = true
			continue
		}

		if routineEndRe.MatchString(stripped) && inRoutine {
			flush()
			continue
		}

		if inRoutine {
			currentLines = append(currentLines, line)
		}
	}
	flush()

	// Derive CALLS/register/reference relations from each collected body.
	for _, nodeKey := range routineMap {
		body, ok := state.routineBodies[nodeKey]
		if !ok || body == "" {
			continue
		}

		for _, target := range extractCalls(body, routineMap) {
			if targetKey, ok := routineMap[target]; ok {
				result.Edges = append(result.Edges, model.GraphEdge{Start: nodeKey, Type: "CALLS", End: targetKey, Properties: map[string]any{}})
			}
		}

		isDocument := objectNode != nil && objectNode.Properties["type"] == "Document"
		for _, hit := range extractRegisters(body) {
			guid := identity.StableGUID(hit.label + ":" + hit.name)
			registerNode := model.GraphNode{
				Label:      hit.label,
				Key:        map[string]string{"guid": guid},
				Properties: map[string]any{"name": hit.name, "guid": guid},
			}
			result.Nodes = append(result.Nodes, registerNode)
			registerKey := registerNode.NodeKey()
			relType := "READS_FROM"
			if hit.isWrite {
				relType = "WRITES_TO"
			}
			result.Edges = append(result.Edges, model.GraphEdge{Start: moduleKey, Type: relType, End: registerKey, Properties: map[string]any{}})

			if isDocument && hit.isWrite && hit.label == "AccumulationRegister" {
				result.Edges = append(result.Edges, model.GraphEdge{Start: objectNode.NodeKey(), Type: "MAKES_MOVEMENTS_IN", End: registerKey, Properties: map[string]any{}})
			}
		}

		for _, ref := range extractReferences(body) {
			qualifiedName := ref.label + "." + ref.name
			refNode := model.GraphNode{
				Label: "Object",
				Key:   map[string]string{"qualified_name": qualifiedName},
				Properties: map[string]any{
					"qualified_name": qualifiedName,
					"type":           ref.label,
					"name":           ref.name,
				},
			}
			result.Nodes = append(result.Nodes, refNode)
			result.Edges = append(result.Edges, model.GraphEdge{Start: nodeKey, Type: "REFERENCES", End: refNode.NodeKey(), Properties: map[string]any{}})
		}
	}

	return result
}

func determineExecSide(directives []string) string {
	for _, d := range directives {
		clean := strings.TrimSpace(d)
		if strings.HasPrefix(clean, "На") {
			if side, ok := ExecSideDirectives[clean]; ok {
				return side
			}
		}
	}
	return "Unknown"
}

func finalizeRoutine(result *model.ExtractionResult, state *bslState, moduleKey model.NodeKey, name, signature string, export bool, execSide, body string, routineMap map[string]model.NodeKey) {
	routineGUID := identity.StableGUID(moduleKey.Label + ":" + moduleKey.Key + ":" + name)
	node := model.GraphNode{
		Label: "Routine",
		Key:   map[string]string{"guid": routineGUID},
		Properties: map[string]any{
			"name":      name,
			"signature": signature,
			"export":    export,
			"exec_side": execSide,
			"guid":      routineGUID,
		},
	}
	result.Nodes = append(result.Nodes, node)
	nodeKey := node.NodeKey()
	result.Edges = append(result.Edges, model.GraphEdge{Start: moduleKey, Type: "HAS_ROUTINE", End: nodeKey, Properties: map[string]any{}})

	path := signature
	if path == "" {
		path = name
	}
	result.TextUnits = append(result.TextUnits, model.TextUnit{Text: body, Path: path, NodeKey: nodeKey})

	routineMap[name] = nodeKey
	state.routineBodies[nodeKey] = body
}

func extractCalls(body string, routineMap map[string]model.NodeKey) []string {
	var names []string
	for _, m := range callRe.FindAllStringSubmatch(body, -1) {
		candidate := m[1]
		if ReservedCallNames[candidate] {
			continue
		}
		if _, ok := routineMap[candidate]; ok {
			names = append(names, candidate)
		}
	}
	return names
}

type registerHit struct {
	name    string
	label   string
	isWrite bool
}

const classificationWindow = 200

func extractRegisters(body string) []registerHit {
	var hits []registerHit
	for prefix, label := range RegisterPrefixes {
		pattern := regexp.MustCompile(regexp.QuoteMeta(prefix) + `\.([\p{L}_][\p{L}\p{N}_]*)`)
		for _, loc := range pattern.FindAllStringSubmatchIndex(body, -1) {
			name := body[loc[2]:loc[3]]
			start := loc[0] - classificationWindow
			if start < 0 {
				start = 0
			}
			end := loc[1] + classificationWindow
			if end > len(body) {
				end = len(body)
			}
			window := body[start:end]
			hits = append(hits, registerHit{name: name, label: label, isWrite: classifyWindow(window)})
		}
	}
	return hits
}

// classifyWindow returns true (write) if a write token appears, searched
// before read tokens so an ambiguous window (both present) defaults to
// write — writes are the rarer, more consequential relation to miss.
func classifyWindow(window string) bool {
	for _, tok := range registerWriteTokens {
		if strings.Contains(window, tok) {
			return true
		}
	}
	for _, tok := range registerReadTokens {
		if strings.Contains(window, tok) {
			return false
		}
	}
	return false
}

type referenceHit struct {
	name  string
	label string
}

func extractReferences(body string) []referenceHit {
	var hits []referenceHit
	for prefix, label := range ReferencePrefixes {
		pattern := regexp.MustCompile(regexp.QuoteMeta(prefix) + `\.([\p{L}_][\p{L}\p{N}_]*)`)
		for _, m := range pattern.FindAllStringSubmatch(body, -1) {
			hits = append(hits, referenceHit{name: m[1], label: label})
		}
	}
	return hits
}
