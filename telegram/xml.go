package telegram

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/c360/trdpsim/errors"
)

// The loader accepts the permissive TRDP XML dialect: dataset elements named
// dataset/DataSet (any case) and telegram elements named pd/md/telegram/comid
// (any case) are collected from anywhere in the document. Attribute names
// follow the common tool variants:
//
//	dataset:  name|id, size
//	field:    name, type, offset, size, bitoffs|bitOffset, array|arraySize
//	telegram: comid|comId|ComId|id (or a comId child element),
//	          dataset|datasetName|dsName|datasetRef (or a dataset child),
//	          dir|direction, name|comment, type,
//	          srcIp|srcip, destIp|destip|dstIp, srcPort, destPort,
//	          ttl, qos, flags, cycle|cycleMs|interval (ms),
//	          expectedReplies|replies, replyTimeout|replyTimeoutMs (ms),
//	          confirmTimeout|confirmTimeoutMs (ms)

// ParseXML extracts dataset and telegram definitions from a TRDP XML
// document. Datasets without a name and telegrams without a ComId or dataset
// reference are skipped silently; a malformed document or missing root is an
// error.
func ParseXML(data []byte) ([]DatasetDef, []TelegramDef, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, errors.WrapInvalid(err, "telegram", "ParseXML", "malformed XML")
	}
	root := doc.Root()
	if root == nil {
		return nil, nil, errors.WrapInvalid(errors.ErrParsingFailed, "telegram", "ParseXML",
			"missing root element")
	}

	var datasetNodes []*etree.Element
	collectElements(root, func(tag string) bool { return tag == "DATASET" }, &datasetNodes)

	datasets := make([]DatasetDef, 0, len(datasetNodes))
	for _, node := range datasetNodes {
		if ds, ok := parseDataset(node); ok {
			datasets = append(datasets, ds)
		}
	}

	var telegramNodes []*etree.Element
	collectElements(root, isTelegramTag, &telegramNodes)

	telegrams := make([]TelegramDef, 0, len(telegramNodes))
	for _, node := range telegramNodes {
		if tg, ok := parseTelegram(node); ok {
			telegrams = append(telegrams, tg)
		}
	}

	return datasets, telegrams, nil
}

// LoadXML clears the registry and repopulates it from the XML file. On
// failure the registry is left empty. Telegrams referencing unknown datasets
// are logged and skipped without failing the load.
func (r *Registry) LoadXML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		r.Clear()
		return errors.WrapInvalid(err, "Registry", "LoadXML",
			fmt.Sprintf("read %s failed", path))
	}
	return r.LoadXMLBytes(data)
}

// LoadXMLBytes clears the registry and repopulates it from an in-memory XML
// document.
func (r *Registry) LoadXMLBytes(data []byte) error {
	r.Clear()

	datasets, telegrams, err := ParseXML(data)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "LoadXMLBytes", "parse failed")
	}

	for _, ds := range datasets {
		if err := r.RegisterDataset(ds); err != nil {
			r.logger.Warn("skipping dataset", "dataset", ds.Name, "error", err)
		}
	}
	for _, tg := range telegrams {
		if err := r.RegisterTelegram(tg); err != nil {
			r.logger.Warn("skipping telegram", "comId", tg.ComID, "error", err)
		}
	}

	nDatasets, nTelegrams := r.Counts()
	r.logger.Info("configuration loaded", "datasets", nDatasets, "telegrams", nTelegrams)
	return nil
}

// collectElements gathers every element in the subtree, root included, whose
// upper-cased tag satisfies match. Matched elements are still recursed into.
func collectElements(el *etree.Element, match func(tag string) bool, out *[]*etree.Element) {
	if match(strings.ToUpper(el.Tag)) {
		*out = append(*out, el)
	}
	for _, child := range el.ChildElements() {
		collectElements(child, match, out)
	}
}

// isTelegramTag accepts the telegram element variants: any tag containing
// "PD" or "MD" plus the literal telegram/comId spellings. Tags matching the
// dataset family are excluded so a dataset is never read as a telegram.
func isTelegramTag(tag string) bool {
	if tag == "DATASET" {
		return false
	}
	return tag == "TELEGRAM" || tag == "COMID" ||
		strings.Contains(tag, "PD") || strings.Contains(tag, "MD")
}

func parseDataset(node *etree.Element) (DatasetDef, bool) {
	ds := DatasetDef{Name: node.SelectAttrValue("name", "")}
	if ds.Name == "" {
		ds.Name = node.SelectAttrValue("id", "")
	}
	if ds.Name == "" {
		return DatasetDef{}, false
	}
	if v, ok := attrInt(node, "size"); ok {
		ds.Size = v
	}

	for _, fieldNode := range node.ChildElements() {
		name := fieldNode.SelectAttrValue("name", "")
		if name == "" {
			continue
		}

		field := FieldDef{Name: name, Type: TypeBytes, ArrayLength: 1}
		if typeAttr := fieldNode.SelectAttrValue("type", ""); typeAttr != "" {
			field.Type = ParseFieldType(typeAttr)
		}
		if v, ok := attrInt(fieldNode, "offset"); ok {
			field.Offset = v
		}
		if v, ok := attrInt(fieldNode, "size"); ok {
			field.Size = v
		}
		if v, ok := attrInt(fieldNode, "bitoffs"); ok {
			field.BitOffset = v
		}
		if v, ok := attrInt(fieldNode, "bitOffset"); ok {
			field.BitOffset = v
		}
		if v, ok := attrInt(fieldNode, "array"); ok {
			field.ArrayLength = v
		}
		if v, ok := attrInt(fieldNode, "arraySize"); ok {
			field.ArrayLength = v
		}
		if field.ArrayLength < 1 {
			field.ArrayLength = 1
		}

		ds.Fields = append(ds.Fields, field)
	}

	return ds, true
}

func parseTelegram(node *etree.Element) (TelegramDef, bool) {
	comID, ok := parseComID(node)
	if !ok {
		return TelegramDef{}, false
	}
	datasetRef, ok := parseDatasetRef(node)
	if !ok {
		return TelegramDef{}, false
	}

	tg := TelegramDef{
		ComID:       comID,
		DatasetName: datasetRef,
		Direction:   parseNodeDirection(node),
		Type:        parseNodeTelegramType(node),
	}

	tg.Name = node.SelectAttrValue("name", "")
	if tg.Name == "" {
		tg.Name = node.SelectAttrValue("comment", "")
	}
	if tg.Name == "" {
		tg.Name = fmt.Sprintf("ComId%d", tg.ComID)
	}

	tg.SrcIP = firstAttrAddr(node, "srcIp", "srcip")
	tg.DestIP = firstAttrAddr(node, "destIp", "destip", "dstIp")
	if v, ok := firstAttrUint(node, "srcPort"); ok {
		tg.SrcPort = uint16(v)
	}
	if v, ok := firstAttrUint(node, "destPort"); ok {
		tg.DestPort = uint16(v)
	}
	if v, ok := firstAttrUint(node, "ttl"); ok {
		tg.TTL = uint8(v)
	}
	if v, ok := firstAttrUint(node, "qos"); ok {
		tg.QoS = uint8(v)
	}
	if v, ok := firstAttrUint(node, "flags"); ok {
		tg.Flags = uint32(v)
	}
	if v, ok := firstAttrUint(node, "cycle", "cycleMs", "interval"); ok {
		tg.Cycle = time.Duration(v) * time.Millisecond
	}
	if v, ok := firstAttrUint(node, "expectedReplies", "replies"); ok {
		tg.ExpectedReplies = uint32(v)
	}
	if v, ok := firstAttrUint(node, "replyTimeout", "replyTimeoutMs"); ok {
		tg.ReplyTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := firstAttrUint(node, "confirmTimeout", "confirmTimeoutMs"); ok {
		tg.ConfirmTimeout = time.Duration(v) * time.Millisecond
	}

	return tg, true
}

func parseComID(node *etree.Element) (uint32, bool) {
	for _, name := range []string{"comid", "comId", "ComId", "id"} {
		if attr := node.SelectAttr(name); attr != nil {
			if v, err := strconv.ParseUint(strings.TrimSpace(attr.Value), 10, 32); err == nil {
				return uint32(v), true
			}
		}
	}
	for _, child := range node.ChildElements() {
		if child.Tag != "comId" && child.Tag != "ComId" {
			continue
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(child.Text()), 10, 32); err == nil {
			return uint32(v), true
		}
	}
	return 0, false
}

func parseDatasetRef(node *etree.Element) (string, bool) {
	for _, name := range []string{"dataset", "datasetName", "dsName", "datasetRef"} {
		if attr := node.SelectAttr(name); attr != nil {
			return attr.Value, true
		}
	}
	for _, child := range node.ChildElements() {
		if child.Tag != "dataset" && child.Tag != "Dataset" && child.Tag != "dataSet" {
			continue
		}
		if text := strings.TrimSpace(child.Text()); text != "" {
			return text, true
		}
	}
	return "", false
}

func parseNodeDirection(node *etree.Element) Direction {
	for _, name := range []string{"dir", "direction"} {
		if attr := node.SelectAttr(name); attr != nil {
			if ParseDirection(attr.Value) == DirectionRx {
				return DirectionRx
			}
		}
	}
	return DirectionTx
}

func parseNodeTelegramType(node *etree.Element) TelegramType {
	tag := strings.ToUpper(node.Tag)
	if strings.Contains(tag, "PD") {
		return TelegramPD
	}
	if strings.Contains(tag, "MD") {
		return TelegramMD
	}
	if strings.Contains(strings.ToUpper(node.SelectAttrValue("type", "")), "MD") {
		return TelegramMD
	}
	return TelegramPD
}

func attrInt(el *etree.Element, name string) (int, bool) {
	attr := el.SelectAttr(name)
	if attr == nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(attr.Value))
	if err != nil {
		return 0, false
	}
	return v, true
}

func firstAttrUint(el *etree.Element, names ...string) (uint64, bool) {
	for _, name := range names {
		attr := el.SelectAttr(name)
		if attr == nil {
			continue
		}
		// Base 0 accepts hex flag masks like 0x20.
		if v, err := strconv.ParseUint(strings.TrimSpace(attr.Value), 0, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func firstAttrAddr(el *etree.Element, names ...string) netip.Addr {
	for _, name := range names {
		attr := el.SelectAttr(name)
		if attr == nil {
			continue
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(attr.Value)); err == nil {
			return addr
		}
	}
	return netip.Addr{}
}
