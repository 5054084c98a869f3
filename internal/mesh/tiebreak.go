package mesh

// ShouldInitiate reports whether self opens the negotiation with other. Of
// any two distinct names exactly one initiates, and both sides reach the same
// decision without exchanging messages, whatever order they learn of each
// other in.
//
// Names are assumed unique across the mesh. Nothing here verifies that: two
// participants sharing a name never form a link between them, and the
// signaling service is the only place uniqueness can be enforced.
func ShouldInitiate(self, other string) bool {
	return self < other
}
