package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed reports a blob that is not a valid flattened device tree.
var ErrMalformed = errors.New("malformed device tree")

// Tree is a parsed device tree blob.
type Tree struct {
	Root         Node
	Reservations []Reservation
	BootCPU      uint32
}

type parser struct {
	data    []byte
	strings []byte
	off     int
	end     int
}

// Parse decodes an FDT blob. Property values are kept as raw bytes; the
// Node helpers interpret them.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != fdtMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, be.Uint32(blob[0:]))
	}
	total := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	offRsv := be.Uint32(blob[16:])
	version := be.Uint32(blob[20:])
	sizeStrings := be.Uint32(blob[32:])
	sizeStruct := be.Uint32(blob[36:])

	if uint64(total) > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: totalsize %d exceeds blob of %d bytes", ErrMalformed, total, len(blob))
	}
	if version < fdtLastCompVer {
		return nil, fmt.Errorf("%w: version %d is too old", ErrMalformed, version)
	}
	if uint64(offStruct)+uint64(sizeStruct) > uint64(total) || uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, fmt.Errorf("%w: block outside totalsize", ErrMalformed)
	}

	tree := &Tree{BootCPU: be.Uint32(blob[28:])}
	for off := uint64(offRsv); ; off += 16 {
		if off+16 > uint64(total) {
			return nil, fmt.Errorf("%w: unterminated reservation block", ErrMalformed)
		}
		addr, size := be.Uint64(blob[off:]), be.Uint64(blob[off+8:])
		if addr == 0 && size == 0 {
			break
		}
		tree.Reservations = append(tree.Reservations, Reservation{Address: addr, Size: size})
	}

	p := &parser{
		data:    blob,
		strings: blob[offStrings : offStrings+sizeStrings],
		off:     int(offStruct),
		end:     int(offStruct + sizeStruct),
	}
	p.skipNops()
	if tok, err := p.token(); err != nil {
		return nil, err
	} else if tok != fdtBeginNodeToken {
		return nil, fmt.Errorf("%w: structure does not start with a node", ErrMalformed)
	}
	root, err := p.node()
	if err != nil {
		return nil, err
	}
	tree.Root = root
	p.skipNops()
	if tok, err := p.token(); err != nil {
		return nil, err
	} else if tok != fdtEndToken {
		return nil, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return tree, nil
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > p.end {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) skipNops() {
	for p.off+4 <= p.end && binary.BigEndian.Uint32(p.data[p.off:]) == fdtNopToken {
		p.off += 4
	}
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	for i := off; i < len(buf); i++ {
		if buf[i] == 0 {
			return string(buf[off:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
}

// node parses the body of a node whose begin token was just consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data[:p.end], p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			if p.off+8 > p.end {
				return Node{}, fmt.Errorf("%w: truncated property header", ErrMalformed)
			}
			length := int(binary.BigEndian.Uint32(p.data[p.off:]))
			nameOff := int(binary.BigEndian.Uint32(p.data[p.off+4:]))
			p.off += 8
			if length < 0 || p.off+length > p.end {
				return Node{}, fmt.Errorf("%w: property value past structure end", ErrMalformed)
			}
			if nameOff >= len(p.strings) {
				return Node{}, fmt.Errorf("%w: property name offset %d out of range", ErrMalformed, nameOff)
			}
			propName, _, err := p.cstring(p.strings, nameOff)
			if err != nil {
				return Node{}, err
			}
			prop := Property{Flag: length == 0}
			if length > 0 {
				prop.Bytes = append([]byte(nil), p.data[p.off:p.off+length]...)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
			p.off += length
			p.align()
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x", ErrMalformed, tok)
		}
	}
}
