package explore

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/polareth/evmstate/tracing/decode"
	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/tracing/preimage"
	"github.com/polareth/evmstate/tracing/slots"
)

// Guard against pathological type tables; solc never nests this deep.
const maxTypeRecursion = 32

const (
	noteUnlabeled         = "Could not label this slot access."
	noteUnlabeledNoLayout = "Could not label this slot access because no layout was found."
)

// Explorer walks a contract's declared variables against the observed slot
// set, inverting keccak-derived slots by candidate-key search. It never
// fails: anything it cannot attribute comes back as a synthetic slot_<hex>
// variable.
type Explorer struct {
	layout   *layout.StorageLayout
	observed Observed
	pool     *preimage.Pool
	cfg      Config

	explored  mapset.Set[common.Hash]
	states    int
	exhausted bool
}

// New builds an explorer over one account's observed slots. The layout may be
// nil; the pool must be finalized.
func New(lay *layout.StorageLayout, observed Observed, pool *preimage.Pool, cfg Config) *Explorer {
	if pool == nil {
		pool = preimage.NewPool()
		pool.Finalize()
	}
	return &Explorer{
		layout:   lay,
		observed: observed,
		pool:     pool,
		cfg:      cfg.withDefaults(),
		explored: mapset.NewThreadUnsafeSet[common.Hash](),
	}
}

// BudgetExhausted reports whether the mapping search hit MaxExploredStates.
func (e *Explorer) BudgetExhausted() bool { return e.exhausted }

// StatesUsed reports how many key/index transitions were attempted.
func (e *Explorer) StatesUsed() int { return e.states }

// Explore labels every observed slot it can attribute to a declared variable,
// in declaration order, then appends synthetic variables for the residue.
func (e *Explorer) Explore() []*LabeledVariable {
	var out []*LabeledVariable
	if e.layout != nil {
		for _, v := range e.layout.Storage {
			td := e.layout.Type(v.Type)
			if td == nil {
				continue
			}
			records := e.exploreType(v.Type, v.Slot.Hash(), v.Offset, nil, 0)
			if len(records) == 0 {
				continue
			}
			for i := range records {
				records[i].FullExpression = v.Label + renderPath(records[i].Path)
				e.markExplored(records[i].Slots)
			}
			out = append(out, &LabeledVariable{
				Name:     v.Label,
				TypeName: td.Label,
				Kind:     variableKind(td),
				Trace:    records,
			})
		}
	}
	out = append(out, e.unexploredVariables()...)
	return out
}

// UnexploredSlots returns the observed slots no record covered, sorted.
func (e *Explorer) UnexploredSlots() []common.Hash {
	var residue []common.Hash
	for slot := range e.observed {
		if !e.explored.Contains(slot) {
			residue = append(residue, slot)
		}
	}
	sort.Slice(residue, func(i, j int) bool {
		return bytes.Compare(residue[i][:], residue[j][:]) < 0
	})
	return residue
}

func (e *Explorer) markExplored(accessed []common.Hash) {
	for _, s := range accessed {
		e.explored.Add(s)
	}
}

func variableKind(td *layout.TypeDef) VariableKind {
	switch td.Kind() {
	case layout.KindMapping:
		return VariableMapping
	case layout.KindDynamicArray:
		return VariableDynamicArray
	case layout.KindStaticArray:
		return VariableStaticArray
	case layout.KindStruct:
		return VariableStruct
	case layout.KindBytes:
		return VariableBytes
	default:
		return VariablePrimitive
	}
}

// exploreType dispatches on the type class rooted at base. The offset applies
// to primitives packed below a full word.
func (e *Explorer) exploreType(typeID string, base common.Hash, offset int, path []PathSegment, depth int) []AccessRecord {
	if depth > maxTypeRecursion {
		return nil
	}
	td := e.layout.Type(typeID)
	if td == nil {
		return nil
	}

	switch td.Kind() {
	case layout.KindPrimitive:
		if rec := e.primitiveRecord(td, base, offset, path); rec != nil {
			return []AccessRecord{*rec}
		}
		return nil
	case layout.KindStruct:
		return e.exploreStruct(td, base, path, depth)
	case layout.KindStaticArray:
		return e.exploreStaticArray(td, base, path, depth)
	case layout.KindDynamicArray:
		return e.exploreDynamicArray(td, base, path, depth)
	case layout.KindMapping:
		return e.exploreMapping(td, base, path, depth)
	case layout.KindBytes:
		return e.exploreBytes(td, base, path)
	}
	return nil
}

// primitiveRecord emits one record for an in-place value if its slot was
// observed. On a modified slot, a packed variable whose own window did not
// change is considered untouched and is skipped.
func (e *Explorer) primitiveRecord(td *layout.TypeDef, base common.Hash, offset int, path []PathSegment) *AccessRecord {
	sv, ok := e.observed[base]
	if !ok {
		return nil
	}

	width := int(td.NumberOfBytes)
	rec := &AccessRecord{
		Slots: []common.Hash{base},
		Path:  copyPath(path),
	}

	curWin, err := decode.Window(sv.Current, offset, width)
	if err != nil {
		rec.Current = &Value{Hex: sv.Current.Hex()}
		rec.Note = fmt.Sprintf("failed to decode value: %v", err)
		return rec
	}

	if sv.Next != nil {
		nextWin, werr := decode.Window(*sv.Next, offset, width)
		if werr == nil && sv.Modified() && bytes.Equal(curWin, nextWin) {
			return nil
		}
		rec.Modified = werr == nil && !bytes.Equal(curWin, nextWin)
	}

	rec.Current = e.decodedValue(sv.Current, td, offset, rec)
	if rec.Modified {
		rec.Next = e.decodedValue(*sv.Next, td, offset, rec)
	}
	return rec
}

func (e *Explorer) decodedValue(raw common.Hash, td *layout.TypeDef, offset int, rec *AccessRecord) *Value {
	v := &Value{Hex: raw.Hex()}
	decoded, err := decode.Value(raw, td, offset)
	if err != nil {
		if rec.Note == "" {
			rec.Note = fmt.Sprintf("failed to decode value: %v", err)
		}
		return v
	}
	v.Decoded = decoded
	return v
}

func (e *Explorer) exploreStruct(td *layout.TypeDef, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	var out []AccessRecord
	for _, member := range td.Members {
		memberSlot := slots.StructFieldSlot(base, member.Slot.Hash())
		memberPath := appendSegment(path, PathSegment{Kind: SegmentStructField, Field: member.Label})
		out = append(out, e.exploreType(member.Type, memberSlot, member.Offset, memberPath, depth+1)...)
	}
	return out
}

func (e *Explorer) exploreStaticArray(td *layout.TypeDef, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	length, ok := td.StaticLength()
	if !ok {
		return nil
	}
	elem := e.layout.Type(td.Base)
	if elem == nil {
		return nil
	}
	stride := uint64(elem.NumberOfBytes)

	var out []AccessRecord
	for i := uint64(0); i < length; i++ {
		slot, offset := slots.ElementSlot(base, i, stride)
		elemPath := appendSegment(path, PathSegment{Kind: SegmentArrayIndex, Index: i})
		out = append(out, e.exploreType(td.Base, slot, offset, elemPath, depth+1)...)
	}
	return out
}

func (e *Explorer) exploreDynamicArray(td *layout.TypeDef, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	elem := e.layout.Type(td.Base)
	if elem == nil {
		return nil
	}
	stride := uint64(elem.NumberOfBytes)

	var out []AccessRecord
	var curLen, nextLen uint64
	lengthObserved := false

	if sv, ok := e.observed[base]; ok {
		lengthObserved = true
		curLen = clampUint64(decode.Uint256(sv.Current))
		rec := AccessRecord{
			Slots:    []common.Hash{base},
			Path:     appendSegment(path, PathSegment{Kind: SegmentArrayLength}),
			Modified: sv.Modified(),
			Current:  &Value{Hex: sv.Current.Hex(), Decoded: decode.Uint256(sv.Current)},
		}
		if sv.Modified() {
			nextLen = clampUint64(decode.Uint256(*sv.Next))
			rec.Next = &Value{Hex: sv.Next.Hex(), Decoded: decode.Uint256(*sv.Next)}
		}
		out = append(out, rec)
	}

	// Sweep [0, L) plus any plausible candidate indices. When the length slot
	// was not observed the length may have been read earlier and unchanged,
	// so the sweep still runs at the configured cap.
	sweep := e.cfg.MaxDynArraySweep
	if lengthObserved {
		if l := maxUint64(curLen, nextLen); l < sweep {
			sweep = l
		}
	}
	indices := make(map[uint64]struct{}, sweep)
	for i := uint64(0); i < sweep; i++ {
		indices[i] = struct{}{}
	}
	for _, i := range e.pool.CandidateIndices() {
		indices[i] = struct{}{}
	}
	sorted := make([]uint64, 0, len(indices))
	for i := range indices {
		sorted = append(sorted, i)
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })

	dataBase := slots.ArrayDataBase(base)
	for _, i := range sorted {
		slot, offset := slots.ElementSlot(dataBase, i, stride)
		elemPath := appendSegment(path, PathSegment{Kind: SegmentArrayIndex, Index: i})
		out = append(out, e.exploreType(td.Base, slot, offset, elemPath, depth+1)...)
	}
	return out
}

// mappingLevel is one key level of a (possibly nested) mapping chain.
type mappingLevel struct {
	keyTypeID string
	keyType   *layout.TypeDef
}

// mappingChain flattens nested mapping value types into key levels, capped at
// MaxMappingDepth. An empty value type id means the leaves are out of reach.
func (e *Explorer) mappingChain(td *layout.TypeDef) ([]mappingLevel, string) {
	var chain []mappingLevel
	cur := td
	for cur != nil && cur.Kind() == layout.KindMapping {
		if len(chain) >= e.cfg.MaxMappingDepth {
			return chain, ""
		}
		chain = append(chain, mappingLevel{keyTypeID: cur.Key, keyType: e.layout.Type(cur.Key)})
		next := e.layout.Type(cur.Value)
		if next == nil {
			return chain, ""
		}
		if next.Kind() != layout.KindMapping {
			return chain, cur.Value
		}
		cur = next
	}
	return chain, ""
}

func (e *Explorer) exploreMapping(td *layout.TypeDef, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	chain, valueTypeID := e.mappingChain(td)
	if len(chain) == 0 || valueTypeID == "" {
		return nil
	}

	// The address fast path tries typed address candidates only; when it
	// labels nothing, the general search also tries the untyped candidates.
	if e.addressOnlyChain(chain) {
		if recs := e.exploreMappingAddresses(chain, valueTypeID, base, path, depth); len(recs) > 0 || e.exhausted {
			return recs
		}
	}
	return e.exploreMappingBFS(chain, valueTypeID, base, path, depth)
}

func (e *Explorer) addressOnlyChain(chain []mappingLevel) bool {
	for _, level := range chain {
		if level.keyType == nil || !level.keyType.IsAddress() {
			return false
		}
	}
	return len(e.pool.AddressCandidates()) > 0
}

// exploreMappingAddresses is the address-only fast path: ordered tuples of
// address candidates (with replacement) are enumerated exhaustively up to the
// state budget.
func (e *Explorer) exploreMappingAddresses(chain []mappingLevel, valueTypeID string, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	addrs := e.pool.AddressCandidates()
	levels := len(chain)
	consumed := mapset.NewThreadUnsafeSet[common.Hash]()

	var out []AccessRecord
	idx := make([]int, levels)
	for {
		if e.states+levels > e.cfg.MaxExploredStates {
			e.exhausted = true
			return out
		}

		slot := base
		segs := copyPath(path)
		for lvl := 0; lvl < levels; lvl++ {
			e.states++
			cand := addrs[idx[lvl]]
			slot = slots.MappingSlot(slot, cand.Hex)
			segs = append(segs, mappingSegment(cand))
		}
		if !consumed.Contains(slot) {
			if recs := e.exploreType(valueTypeID, slot, 0, segs, depth+1); len(recs) > 0 {
				consumed.Add(slot)
				out = append(out, recs...)
			}
		}

		// Odometer over candidate tuples.
		pos := levels - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(addrs) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

type bfsState struct {
	level int
	slot  common.Hash
	used  []common.Hash
	segs  []PathSegment
}

// exploreMappingBFS is the general search: breadth-first over
// (level, slot, keys used), candidates ordered by the pool, keys already on
// the current path excluded.
func (e *Explorer) exploreMappingBFS(chain []mappingLevel, valueTypeID string, base common.Hash, path []PathSegment, depth int) []AccessRecord {
	levels := len(chain)
	consumed := mapset.NewThreadUnsafeSet[common.Hash]()

	var out []AccessRecord
	queue := []bfsState{{level: 0, slot: base, segs: copyPath(path)}}
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]

		for _, cand := range e.pool.Candidates(chain[st.level].keyType) {
			if containsHash(st.used, cand.Hex) {
				continue
			}
			if e.states >= e.cfg.MaxExploredStates {
				e.exhausted = true
				return out
			}
			e.states++

			next := slots.MappingSlot(st.slot, cand.Hex)
			segs := appendSegment(st.segs, mappingSegment(cand))
			if st.level+1 == levels {
				if consumed.Contains(next) {
					continue
				}
				if recs := e.exploreType(valueTypeID, next, 0, segs, depth+1); len(recs) > 0 {
					consumed.Add(next)
					out = append(out, recs...)
				}
			} else {
				used := make([]common.Hash, len(st.used), len(st.used)+1)
				copy(used, st.used)
				used = append(used, cand.Hex)
				queue = append(queue, bfsState{level: st.level + 1, slot: next, used: used, segs: segs})
			}
		}
	}
	return out
}

func mappingSegment(cand preimage.Preimage) PathSegment {
	return PathSegment{
		Kind:       SegmentMappingKey,
		Key:        strings.ToLower(cand.Hex.Hex()),
		KeyDecoded: cand.Decoded,
		KeyType:    cand.Type,
	}
}

// exploreBytes handles bytes/string variables: a header record plus a content
// record reassembled across whatever continuation slots were observed.
func (e *Explorer) exploreBytes(td *layout.TypeDef, base common.Hash, path []PathSegment) []AccessRecord {
	sv, headerObserved := e.observed[base]

	var out []AccessRecord
	var curHdr, nextHdr decode.BytesHeader
	if headerObserved {
		curHdr = decode.ParseBytesHeader(sv.Current)
		rec := AccessRecord{
			Slots:    []common.Hash{base},
			Path:     appendSegment(path, PathSegment{Kind: SegmentBytesLength}),
			Modified: sv.Modified(),
			Current:  &Value{Hex: sv.Current.Hex(), Decoded: new(big.Int).SetUint64(curHdr.Length)},
		}
		if sv.Modified() {
			nextHdr = decode.ParseBytesHeader(*sv.Next)
			rec.Next = &Value{Hex: sv.Next.Hex(), Decoded: new(big.Int).SetUint64(nextHdr.Length)}
		}
		out = append(out, rec)
	}

	if headerObserved && !curHdr.Long && (sv.Next == nil || !nextHdr.Long) {
		// Short form: payload shares the header slot.
		rec := AccessRecord{
			Slots:    []common.Hash{base},
			Path:     copyPath(path),
			Modified: sv.Modified(),
		}
		rec.Current = e.shortContentValue(sv.Current, curHdr, td, &rec)
		if sv.Modified() {
			rec.Next = e.shortContentValue(*sv.Next, nextHdr, td, &rec)
		}
		out = append(out, rec)
		return out
	}

	// Long form (or unknown header): probe continuation slots.
	sweep := e.cfg.MaxDynArraySweep
	effLen := uint64(0)
	if headerObserved {
		eff := decode.ParseBytesHeader(sv.Effective())
		effLen = eff.Length
		sweep = slots.SlotsForBytes(effLen)
	}

	dataBase := slots.BytesDataBase(base)
	var accessed []common.Hash
	var curParts, nextParts []common.Hash
	anyModified := false
	complete := true
	for k := uint64(0); k < sweep; k++ {
		contSlot := slots.Add(dataBase, k)
		cont, ok := e.observed[contSlot]
		if !ok {
			complete = false
			continue
		}
		accessed = append(accessed, contSlot)
		curParts = append(curParts, cont.Current)
		nextParts = append(nextParts, cont.Effective())
		if cont.Modified() {
			anyModified = true
		}
	}
	if len(accessed) == 0 && !headerObserved {
		return nil
	}

	rec := AccessRecord{
		Path:     copyPath(path),
		Modified: anyModified || (headerObserved && sv.Modified()),
	}
	if headerObserved {
		rec.Slots = append(rec.Slots, base)
	}
	rec.Slots = append(rec.Slots, accessed...)

	if headerObserved && complete {
		if curHdr.Long {
			curContent := decode.AssembleLong(curParts, minUint64(curHdr.Length, effLen))
			rec.Current = e.assembledValue(curContent, td, &rec)
		} else {
			rec.Current = e.shortContentValue(sv.Current, curHdr, td, &rec)
		}
		if rec.Modified && sv.Next != nil {
			if nextHdr.Long {
				nextContent := decode.AssembleLong(nextParts, nextHdr.Length)
				rec.Next = e.assembledValue(nextContent, td, &rec)
			} else {
				rec.Next = e.shortContentValue(*sv.Next, nextHdr, td, &rec)
			}
		}
	} else {
		// Partial observation: report the raw observed content only.
		raw := decode.AssembleLong(curParts, uint64(len(curParts))*32)
		rec.Current = &Value{Hex: hexEncode(raw)}
		if rec.Note == "" {
			rec.Note = "not all content slots were observed; decoded value omitted"
		}
	}
	out = append(out, rec)
	return out
}

func (e *Explorer) shortContentValue(raw common.Hash, hdr decode.BytesHeader, td *layout.TypeDef, rec *AccessRecord) *Value {
	content := decode.ShortContent(raw, hdr.Length)
	return e.assembledValueFrom(content, raw.Hex(), td, rec)
}

func (e *Explorer) assembledValue(content []byte, td *layout.TypeDef, rec *AccessRecord) *Value {
	return e.assembledValueFrom(content, hexEncode(content), td, rec)
}

func (e *Explorer) assembledValueFrom(content []byte, hex string, td *layout.TypeDef, rec *AccessRecord) *Value {
	v := &Value{Hex: hex}
	decoded, err := decode.BytesValue(content, td.IsString())
	if err != nil {
		if rec.Note == "" {
			rec.Note = fmt.Sprintf("failed to decode value: %v", err)
		}
		return v
	}
	v.Decoded = decoded
	return v
}

// unexploredVariables synthesizes one variable per residual slot.
func (e *Explorer) unexploredVariables() []*LabeledVariable {
	residue := e.UnexploredSlots()
	note := noteUnlabeled
	if e.layout == nil {
		note = noteUnlabeledNoLayout
	}

	var out []*LabeledVariable
	for _, slot := range residue {
		sv := e.observed[slot]
		name := "slot_" + strings.ToLower(slot.Hex())
		rec := AccessRecord{
			Slots:          []common.Hash{slot},
			FullExpression: name,
			Modified:       sv.Modified(),
			Current:        &Value{Hex: sv.Current.Hex()},
			Note:           note,
		}
		if sv.Modified() {
			rec.Next = &Value{Hex: sv.Next.Hex()}
		}
		out = append(out, &LabeledVariable{
			Name:  name,
			Kind:  VariablePrimitive,
			Trace: []AccessRecord{rec},
		})
	}
	return out
}

func copyPath(path []PathSegment) []PathSegment {
	out := make([]PathSegment, len(path))
	copy(out, path)
	return out
}

func appendSegment(path []PathSegment, seg PathSegment) []PathSegment {
	out := make([]PathSegment, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, item := range list {
		if item == h {
			return true
		}
	}
	return false
}

func clampUint64(n *big.Int) uint64 {
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}

func hexEncode(b []byte) string {
	return hexutil.Encode(b)
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
