package forge

// etagFor and rememberETag implement the small per-path ETag cache described
// in SPEC_FULL.md §4.3: conditional GETs use a stored ETag to avoid burning
// rate-limit budget on unmodified resources.

func (c *Client) etagFor(path string) string {
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	return c.etags[path]
}

func (c *Client) rememberETag(path, etag string) {
	if etag == "" {
		return
	}
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	c.etags[path] = etag
}

func (c *Client) forgetETag(path string) {
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	delete(c.etags, path)
}
