package wasmbin

const (
	opUnreachable byte = 0x00
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opBr          byte = 0x0C
	opBrIf        byte = 0x0D
	opReturn      byte = 0x0F
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Load8U   byte = 0x2D
	opI32Store    byte = 0x36
	opI32Store8   byte = 0x3A
	opI32Const    byte = 0x41
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32LtU      byte = 0x49
	opI32Add      byte = 0x6A
	opI32Sub      byte = 0x6B
)

const blockEmpty byte = 0x40

// Code is a function body under construction. The closing end of the
// function is added by Module.Encode.
type Code struct {
	w writer
}

// Body starts an empty function body.
func Body() *Code {
	return &Code{}
}

func (c *Code) op(b byte) *Code {
	c.w.writeByte(b)
	return c
}

func (c *Code) opU32(b byte, v uint32) *Code {
	c.w.writeByte(b)
	c.w.u32(v)
	return c
}

func (c *Code) memarg(b byte, align, offset uint32) *Code {
	c.w.writeByte(b)
	c.w.u32(align)
	c.w.u32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }

// Block opens a block with no result.
func (c *Code) Block() *Code { c.w.writeByte(opBlock); return c.op(blockEmpty) }

// Loop opens a loop with no result.
func (c *Code) Loop() *Code { c.w.writeByte(opLoop); return c.op(blockEmpty) }

// If opens an if with no result; the condition is on the stack.
func (c *Code) If() *Code { c.w.writeByte(opIf); return c.op(blockEmpty) }

func (c *Code) Else() *Code { return c.op(opElse) }

// End closes the innermost block, loop or if.
func (c *Code) End() *Code { return c.op(opEnd) }

func (c *Code) Br(depth uint32) *Code { return c.opU32(opBr, depth) }

func (c *Code) BrIf(depth uint32) *Code { return c.opU32(opBrIf, depth) }

func (c *Code) Return() *Code { return c.op(opReturn) }

func (c *Code) Call(fn uint32) *Code { return c.opU32(opCall, fn) }

func (c *Code) Drop() *Code { return c.op(opDrop) }

func (c *Code) LocalGet(i uint32) *Code { return c.opU32(opLocalGet, i) }

func (c *Code) LocalSet(i uint32) *Code { return c.opU32(opLocalSet, i) }

func (c *Code) LocalTee(i uint32) *Code { return c.opU32(opLocalTee, i) }

func (c *Code) GlobalGet(i uint32) *Code { return c.opU32(opGlobalGet, i) }

func (c *Code) GlobalSet(i uint32) *Code { return c.opU32(opGlobalSet, i) }

func (c *Code) I32Load(offset uint32) *Code { return c.memarg(opI32Load, 2, offset) }

func (c *Code) I32Load8U(offset uint32) *Code { return c.memarg(opI32Load8U, 0, offset) }

func (c *Code) I32Store(offset uint32) *Code { return c.memarg(opI32Store, 2, offset) }

func (c *Code) I32Store8(offset uint32) *Code { return c.memarg(opI32Store8, 0, offset) }

func (c *Code) I32Const(v int32) *Code {
	c.w.writeByte(opI32Const)
	c.w.s64(int64(v))
	return c
}

func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }

func (c *Code) I32Eq() *Code { return c.op(opI32Eq) }

func (c *Code) I32Ne() *Code { return c.op(opI32Ne) }

func (c *Code) I32LtU() *Code { return c.op(opI32LtU) }

func (c *Code) I32Add() *Code { return c.op(opI32Add) }

func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte {
	return c.w.bytes()
}
