package layout

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// WriteJSON serializes the live regions as a JSON array.
func (l *Layout) WriteJSON(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for _, d := range l.Descriptors() {
		obj := arr.Object()
		obj.Name("Purpose").String(d.Purpose.String())
		obj.Name("Base").String(fmt.Sprintf("%#x", d.Base))
		obj.Name("Size").Int(int(d.Size))
		if d.Purpose == Heap {
			obj.Name("Used").Int(int(d.Used))
		}
		obj.Name("Perm").String(d.Perm.String())
		obj.End()
	}
}
