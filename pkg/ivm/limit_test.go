package ivm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/livequery/pkg/storage"
	"github.com/l7mp/livequery/pkg/value"
)

var _ = Describe("Limit", func() {
	var (
		tbl *Table
		l   *Limit
		rec *recorder
	)

	BeforeEach(func() {
		tbl = newTestTable(issueSchema(),
			issue("1", "a", "o1", 10),
			issue("2", "b", "o1", 20),
			issue("3", "c", "o2", 30),
			issue("4", "d", "o2", 40),
			issue("5", "e", "o1", 50),
		)
		var err error
		l, err = NewLimit(tbl, 3, storage.NewMem(), Options{})
		Expect(err).NotTo(HaveOccurred())
		rec = &recorder{}
		l.SetOutput(rec)

		// Hydrate: persist the window boundary.
		Expect(fetchIDs(l, Request{})).To(Equal([]string{"1", "2", "3"}))
	})

	It("should reject a non-positive limit", func() {
		_, err := NewLimit(tbl, 0, storage.NewMem(), Options{})
		Expect(err).To(HaveOccurred())
	})

	Describe("Fetch", func() {
		It("should yield the window reversed on reverse requests", func() {
			Expect(fetchIDs(l, Request{Reverse: true})).To(Equal([]string{"3", "2", "1"}))
		})

		It("should apply constraints within the window", func() {
			req := Request{Constraint: Constraint{"ownerId": value.String("o1")}}
			Expect(fetchIDs(l, req)).To(Equal([]string{"1", "2"}))
		})
	})

	Describe("Push add", func() {
		It("should admit a row inside the window and evict the boundary row", func() {
			Expect(tbl.Add(issue("0", "z", "o1", 5))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd, ChangeRemove}))
			Expect(rec.changes[1].Node.Row.Get("id").Interface()).To(Equal("3"))
			Expect(fetchIDs(l, Request{})).To(Equal([]string{"0", "1", "2"}))
		})

		It("should absorb adds beyond a full window", func() {
			Expect(tbl.Add(issue("9", "z", "o1", 99))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())
		})

		It("should admit adds without eviction while the window is short", func() {
			short := newTestTable(issueSchema(),
				issue("1", "a", "o1", 10),
				issue("2", "b", "o1", 20),
			)
			l2, err := NewLimit(short, 3, storage.NewMem(), Options{})
			Expect(err).NotTo(HaveOccurred())
			rec2 := &recorder{}
			l2.SetOutput(rec2)

			Expect(short.Add(issue("9", "z", "o1", 99))).To(Succeed())
			Expect(rec2.kinds()).To(Equal([]ChangeKind{ChangeAdd}))
		})
	})

	Describe("Push remove", func() {
		It("should remove a window row and admit the next one", func() {
			Expect(tbl.Remove(issue("1", "a", "o1", 10))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeAdd}))
			Expect(rec.changes[1].Node.Row.Get("id").Interface()).To(Equal("4"))
			Expect(fetchIDs(l, Request{})).To(Equal([]string{"2", "3", "4"}))
		})

		It("should absorb removes beyond the boundary", func() {
			Expect(tbl.Remove(issue("5", "e", "o1", 50))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())
		})
	})

	Describe("Push edit", func() {
		It("should forward edits staying inside the window", func() {
			Expect(tbl.Edit(issue("2", "b2", "o1", 25))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeEdit}))
		})

		It("should split edits leaving the window into remove plus admission", func() {
			Expect(tbl.Edit(issue("1", "a", "o1", 99))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeAdd}))
			Expect(rec.changes[1].Node.Row.Get("id").Interface()).To(Equal("4"))
		})

		It("should split edits entering the window into add plus eviction", func() {
			Expect(tbl.Edit(issue("5", "e", "o1", 5))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd, ChangeRemove}))
			Expect(rec.changes[0].Node.Row.Get("id").Interface()).To(Equal("5"))
			Expect(rec.changes[1].Node.Row.Get("id").Interface()).To(Equal("3"))
		})

		It("should absorb edits staying outside the window", func() {
			Expect(tbl.Edit(issue("5", "e", "o1", 45))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())
		})
	})

	Describe("Push child", func() {
		It("should gate nested changes on window membership", func() {
			nested := NewAdd(NewNode(owner("o1", "t1", "alice")))
			Expect(l.Push(NewChild(NewNode(issue("2", "b", "o1", 20)), "owner", nested))).To(Succeed())
			Expect(l.Push(NewChild(NewNode(issue("5", "e", "o1", 50)), "owner", nested))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild}))
		})
	})

	Describe("Cleanup", func() {
		It("should return the final window and drop the boundary", func() {
			s, err := l.Cleanup(Request{})
			Expect(err).NotTo(HaveOccurred())
			nodes, err := Drain(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(nodes)).To(Equal([]string{"1", "2", "3"}))
		})
	})
})
