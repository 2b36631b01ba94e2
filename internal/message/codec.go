package message

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Field slots of the Message table.
const (
	slotFromChain = iota
	slotToChain
	slotSender
	slotSigner
	slotReveal
	slotContent
	messageFields
)

// Field slots of the Content table.
const (
	slotContract = iota
	slotAction
	slotData
	contentFields
)

// Marshal encodes the message as a FlatBuffers table.
// Layout: Message{from_chain, to_chain, sender, signer, reveal, content: Content{contract, action, data}}
func (m Message) Marshal() []byte {
	builder := flatbuffers.NewBuilder(256)

	contractOff := builder.CreateString(m.Content.Contract)
	actionOff := builder.CreateString(m.Content.Action)
	dataOff := builder.CreateString(m.Content.Data)

	builder.StartObject(contentFields)
	builder.PrependUOffsetTSlot(slotContract, contractOff, 0)
	builder.PrependUOffsetTSlot(slotAction, actionOff, 0)
	builder.PrependUOffsetTSlot(slotData, dataOff, 0)
	contentOff := builder.EndObject()

	fromOff := builder.CreateString(m.FromChain)
	toOff := builder.CreateString(m.ToChain)
	senderOff := builder.CreateString(m.Sender)
	signerOff := builder.CreateString(m.Signer)

	builder.StartObject(messageFields)
	builder.PrependUOffsetTSlot(slotFromChain, fromOff, 0)
	builder.PrependUOffsetTSlot(slotToChain, toOff, 0)
	builder.PrependUOffsetTSlot(slotSender, senderOff, 0)
	builder.PrependUOffsetTSlot(slotSigner, signerOff, 0)
	builder.PrependBoolSlot(slotReveal, m.SQoS.Reveal, false)
	builder.PrependUOffsetTSlot(slotContent, contentOff, 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(data []byte) (m Message, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed message data")
		}
	}()

	if len(data) < 8 {
		return Message{}, fmt.Errorf("message data too short: %d", len(data))
	}

	root := flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}

	m.FromChain = tableString(&root, slotFromChain)
	m.ToChain = tableString(&root, slotToChain)
	m.Sender = tableString(&root, slotSender)
	m.Signer = tableString(&root, slotSigner)

	if o := fieldOffset(&root, slotReveal); o != 0 {
		m.SQoS.Reveal = root.GetBool(o + root.Pos)
	}

	if o := fieldOffset(&root, slotContent); o != 0 {
		content := flatbuffers.Table{Bytes: data, Pos: root.Indirect(o + root.Pos)}
		m.Content.Contract = tableString(&content, slotContract)
		m.Content.Action = tableString(&content, slotAction)
		m.Content.Data = tableString(&content, slotData)
	}

	return m, nil
}

// fieldOffset returns the offset of a field relative to the table, or 0 if absent.
func fieldOffset(t *flatbuffers.Table, slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

// tableString reads a string field, returning "" when absent.
func tableString(t *flatbuffers.Table, slot int) string {
	o := fieldOffset(t, slot)
	if o == 0 {
		return ""
	}

	return t.String(o + t.Pos)
}
