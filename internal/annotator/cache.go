package annotator

// CacheKey identifies a rendered question and the image it is asked about.
// HasImage separates a question without an image from one with an empty image path.
type CacheKey struct {
	Question  string
	ImagePath string
	HasImage  bool
}

// AnswerCache remembers the answers given during one run.
type AnswerCache struct {
	answers map[CacheKey]string
}

func NewAnswerCache() *AnswerCache {
	return &AnswerCache{
		answers: make(map[CacheKey]string),
	}
}

func (c *AnswerCache) Get(key CacheKey) (string, bool) {
	answer, ok := c.answers[key]
	return answer, ok
}

func (c *AnswerCache) Put(key CacheKey, answer string) {
	c.answers[key] = answer
}

func (c *AnswerCache) Len() int {
	return len(c.answers)
}
