package anthropic

// CachedSystemBlocks builds a system prompt whose shared prefix carries a
// cache breakpoint. The taxonomy portion of extraction prompts is identical
// for every document of a practice area, so it is sent as prefix.
func CachedSystemBlocks(prefix, suffix string) []SystemBlock {
	var blocks []SystemBlock
	if prefix != "" {
		blocks = append(blocks, SystemBlock{
			Text:         prefix,
			CacheControl: &CacheControl{TTL: "5m"},
		})
	}
	if suffix != "" {
		blocks = append(blocks, SystemBlock{Text: suffix})
	}
	return blocks
}
