package extract

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/onec-graphrag/indexer/engine/identity"
	"github.com/onec-graphrag/indexer/engine/loader"
	"github.com/onec-graphrag/indexer/internal/model"
)

// extractXML dispatches by path prefix/shape: Roles/*, HTTPServices/*,
// DocumentJournals/*, form XML, or a bare Document node otherwise.
func extractXML(doc loader.Document) model.ExtractionResult {
	parts := strings.Split(doc.RelPath, "/")
	root := ""
	if len(parts) > 0 {
		root = parts[0]
	}

	switch {
	case root == "Roles":
		return extractRole(doc)
	case root == "HTTPServices":
		return extractHTTPService(doc)
	case root == "DocumentJournals":
		return extractDocumentJournal(doc)
	case isFormPath(doc.RelPath):
		return extractForm(doc)
	default:
		return extractBareDocument(doc)
	}
}

func isFormPath(relPath string) bool {
	lower := strings.ToLower(relPath)
	if strings.HasSuffix(lower, "form.xml") {
		return true
	}
	for _, seg := range strings.Split(lower, "/") {
		if seg == "forms" {
			return true
		}
	}
	return false
}

func extractRole(doc loader.Document) model.ExtractionResult {
	tree, err := parseXMLTree(doc.Content)
	if err != nil || tree == nil {
		return model.ExtractionResult{}
	}

	name := findFirst(tree, "Name").text()
	if name == "" {
		name = stemOf(doc.RelPath)
	}

	roleNode := model.GraphNode{
		Label:      "Role",
		Key:        map[string]string{"name": name},
		Properties: map[string]any{"name": name, "path": doc.RelPath},
	}
	roleKey := roleNode.NodeKey()
	result := model.ExtractionResult{Nodes: []model.GraphNode{roleNode}}

	seen := map[string]bool{}
	for _, rightEl := range findAll(tree, "ObjectRight", "Rights") {
		objectRef := findFirst(rightEl, "Object", "MetadataObject").text()
		if objectRef == "" {
			continue
		}
		condition := findFirst(rightEl, "Condition", "Filter", "Expression").text()

		for _, action := range roleActions(rightEl) {
			objType, objName := splitQualified(objectRef)
			objNode := model.GraphNode{
				Label: "Object",
				Key:   map[string]string{"qualified_name": objectRef},
				Properties: map[string]any{
					"qualified_name": objectRef,
					"type":           objType,
					"name":           objName,
				},
			}
			objKey := objNode.NodeKey()

			dedupe := objectRef + "|" + action.name + "|" + condition + "|" + action.details
			if !seen[dedupe] {
				seen[dedupe] = true
				result.Nodes = append(result.Nodes, objNode)
				result.Edges = append(result.Edges, model.GraphEdge{Start: roleKey, Type: "ROLE_HAS_ACCESS_TO", End: objKey, Properties: map[string]any{}})
			}

			arGUID := identity.StableGUID("AccessRight:" + name + "|" + objectRef + "|" + action.name + "|" + condition + "|" + action.details)
			arNode := model.GraphNode{
				Label: "AccessRight",
				Key:   map[string]string{"guid": arGUID},
				Properties: map[string]any{
					"guid":      arGUID,
					"action":    action.name,
					"condition": condition,
					"details":   action.details,
				},
			}
			result.Nodes = append(result.Nodes, arNode)
			arKey := arNode.NodeKey()
			result.Edges = append(result.Edges,
				model.GraphEdge{Start: roleKey, Type: "GRANTS", End: arKey, Properties: map[string]any{}},
				model.GraphEdge{Start: arKey, Type: "PERMITS", End: objKey, Properties: map[string]any{}},
			)
		}
	}

	return result
}

type roleAction struct {
	name    string
	details string
}

// roleActions extracts the granted actions from one ObjectRight/Rights
// element: either explicit Right/Value children with truthy text, or
// child tag names matching the bilingual action table with truthy text.
func roleActions(rightEl *xmlElem) []roleAction {
	var actions []roleAction

	for _, child := range findAll(rightEl, "Right", "Value") {
		if child == rightEl {
			continue
		}
		text := child.text()
		if !isTruthy(text) {
			continue
		}
		name := normaliseAction(text)
		actions = append(actions, roleAction{name: name, details: text})
	}

	for _, child := range rightEl.Children {
		if child.Tag == "Right" || child.Tag == "Value" || child.Tag == "Object" || child.Tag == "MetadataObject" ||
			child.Tag == "Condition" || child.Tag == "Filter" || child.Tag == "Expression" {
			continue
		}
		if normalised, ok := roleActionTable[child.Tag]; ok && isTruthy(child.text()) {
			actions = append(actions, roleAction{name: normalised, details: child.text()})
		}
	}

	return actions
}

func normaliseAction(text string) string {
	if normalised, ok := roleActionTable[text]; ok {
		return normalised
	}
	return "Custom"
}

func isTruthy(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "false", "0", "нет":
		return false
	default:
		if v, err := strconv.ParseBool(s); err == nil {
			return v
		}
		return true
	}
}

func splitQualified(qualifiedName string) (objType, name string) {
	idx := strings.Index(qualifiedName, ".")
	if idx < 0 {
		return "Other", qualifiedName
	}
	return qualifiedName[:idx], qualifiedName[idx+1:]
}

func extractHTTPService(doc loader.Document) model.ExtractionResult {
	tree, err := parseXMLTree(doc.Content)
	if err != nil || tree == nil {
		return model.ExtractionResult{}
	}

	name := findFirst(tree, "Name").text()
	if name == "" {
		name = stemOf(doc.RelPath)
	}

	svcNode := model.GraphNode{
		Label:      "HTTPService",
		Key:        map[string]string{"name": name},
		Properties: map[string]any{"name": name, "path": doc.RelPath},
	}
	svcKey := svcNode.NodeKey()
	result := model.ExtractionResult{Nodes: []model.GraphNode{svcNode}}

	configGUID := identity.StableGUID("Configuration")
	configNode := model.GraphNode{
		Label:      "Configuration",
		Key:        map[string]string{"guid": configGUID},
		Properties: map[string]any{"guid": configGUID},
	}
	result.Nodes = append(result.Nodes, configNode)
	result.Edges = append(result.Edges, model.GraphEdge{Start: configNode.NodeKey(), Type: "HAS_HTTP_SERVICE", End: svcKey, Properties: map[string]any{}})

	for _, tmplEl := range findAll(tree, "URLTemplate") {
		template := findFirst(tmplEl, "Template").text()
		if template == "" {
			template = tmplEl.text()
		}
		tmplNode := model.GraphNode{
			Label:      "URLTemplate",
			Key:        map[string]string{"template": template},
			Properties: map[string]any{"template": template},
		}
		result.Nodes = append(result.Nodes, tmplNode)
		tmplKey := tmplNode.NodeKey()
		result.Edges = append(result.Edges, model.GraphEdge{Start: svcKey, Type: "HAS_URL_TEMPLATE", End: tmplKey, Properties: map[string]any{}})

		for _, verbEl := range findAll(tmplEl, "Method", "HTTPMethod") {
			verb := strings.ToUpper(strings.TrimSpace(verbEl.Attrs["httpMethod"] + verbEl.text()))
			if verb == "" {
				continue
			}
			if !allowedHTTPMethods[verb] {
				slog.Warn("http_method_skipped", "path", doc.RelPath, "template", template, "verb", verb)
				continue
			}
			methodNode := model.GraphNode{
				Label:      "HTTPMethod",
				Key:        map[string]string{"template": template, "verb": verb},
				Properties: map[string]any{"verb": verb},
			}
			result.Nodes = append(result.Nodes, methodNode)
			result.Edges = append(result.Edges, model.GraphEdge{Start: tmplKey, Type: "HAS_URL_METHOD", End: methodNode.NodeKey(), Properties: map[string]any{}})
		}
	}

	return result
}

func extractDocumentJournal(doc loader.Document) model.ExtractionResult {
	tree, err := parseXMLTree(doc.Content)
	if err != nil || tree == nil {
		return model.ExtractionResult{}
	}

	name := findFirst(tree, "Name").text()
	if name == "" {
		name = stemOf(doc.RelPath)
	}

	journalNode := model.GraphNode{
		Label:      "DocumentJournal",
		Key:        map[string]string{"name": name},
		Properties: map[string]any{"name": name, "path": doc.RelPath},
	}
	journalKey := journalNode.NodeKey()
	result := model.ExtractionResult{Nodes: []model.GraphNode{journalNode}}

	refs := findAll(tree, "RegisteredDocument", "Document")
	sort.Slice(refs, func(i, j int) bool { return refs[i].text() < refs[j].text() })
	for _, ref := range refs {
		qualifiedName := ref.text()
		if qualifiedName == "" {
			continue
		}
		objType, objName := splitQualified(qualifiedName)
		docNode := model.GraphNode{
			Label: "Object",
			Key:   map[string]string{"qualified_name": qualifiedName},
			Properties: map[string]any{
				"qualified_name": qualifiedName,
				"type":           objType,
				"name":           objName,
			},
		}
		result.Nodes = append(result.Nodes, docNode)
		docKey := docNode.NodeKey()
		result.Edges = append(result.Edges,
			model.GraphEdge{Start: journalKey, Type: "CONTAINS", End: docKey, Properties: map[string]any{}},
			model.GraphEdge{Start: docKey, Type: "JOURNALED_IN", End: journalKey, Properties: map[string]any{}},
		)
	}

	return result
}

func extractForm(doc loader.Document) model.ExtractionResult {
	_, _, objectNode, _ := buildObjectAndModule(doc)
	if objectNode == nil {
		// A Form requires an enclosing Object; without one there is
		// nothing to attach it to, so degrade to a bare document node.
		return extractBareDocument(doc)
	}

	formGUID := identity.StableGUID(doc.RelPath + ":form")
	formNode := model.GraphNode{
		Label: "Form",
		Key:   map[string]string{"guid": formGUID},
		Properties: map[string]any{
			"name": stemOf(doc.RelPath),
			"guid": formGUID,
		},
	}
	formKey := formNode.NodeKey()

	nodes := []model.GraphNode{*objectNode, formNode}
	edges := []model.GraphEdge{{Start: objectNode.NodeKey(), Type: "HAS_FORM", End: formKey, Properties: map[string]any{}}}

	textUnit := model.TextUnit{Text: doc.Content, Path: doc.RelPath, NodeKey: formKey}
	return model.ExtractionResult{Nodes: nodes, Edges: edges, TextUnits: []model.TextUnit{textUnit}}
}

func extractBareDocument(doc loader.Document) model.ExtractionResult {
	node := model.GraphNode{
		Label:      "Document",
		Key:        map[string]string{"path": doc.RelPath},
		Properties: map[string]any{"path": doc.RelPath, "name": stemOf(doc.RelPath)},
	}
	textUnit := model.TextUnit{Text: doc.Content, Path: doc.RelPath, NodeKey: node.NodeKey()}
	return model.ExtractionResult{Nodes: []model.GraphNode{node}, TextUnits: []model.TextUnit{textUnit}}
}
