package protocol

// NamespacedDocumentID computes the storage- and topic-facing document id:
// "{room}/{document}" when the context carries a room, else the document name
// alone.
func NamespacedDocumentID(document string, ctx Context) string {
	if ctx.Room != "" {
		return ctx.Room + "/" + document
	}
	return document
}
