package escl

import (
	"bytes"
	"fmt"

	mfpescl "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/xmldoc"
)

// decodeXML parses an eSCL document. Element names come back with the
// scan: and pwg: prefixes regardless of the prefixes the device used.
func decodeXML(data []byte, root string) (xmldoc.Element, error) {
	elm, err := xmldoc.Decode(mfpescl.NsMap, bytes.NewReader(data))
	if err != nil {
		return elm, fmt.Errorf("XML: %w", err)
	}
	if elm.Name != root {
		return elm, fmt.Errorf("unexpected root element %q", elm.Name)
	}
	return elm, nil
}

// encodeXML renders elm as a document declaring the eSCL namespaces.
func encodeXML(elm xmldoc.Element) []byte {
	return []byte(elm.EncodeIndentString(mfpescl.NsMap, "  "))
}
