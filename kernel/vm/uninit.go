package vm

import "gophervm/kernel"

// pageInitializer turns an uninitialized page into its target variant. The
// frame at kva is mapped and zero-filled when it runs.
type pageInitializer func(p *Page, u *uninitPage, kva uintptr) (pageOps, *kernel.Error)

// uninitPage is the variant of a page that has never been resident.
type uninitPage struct {
	target   Type
	init     Initializer
	aux      interface{}
	pageInit pageInitializer
}

func newUninitPage(target Type, initFn Initializer, aux interface{}) *uninitPage {
	u := &uninitPage{
		target: target,
		init:   initFn,
		aux:    aux,
	}

	switch target {
	case TypeAnon:
		u.pageInit = anonInitializer
	case TypeFile:
		u.pageInit = fileInitializer
	}
	return u
}

func (u *uninitPage) pageType() Type { return TypeUninit }

// swapIn materializes the page as its target variant and then runs the
// initializer registered by the page's creator. On failure the page stays
// uninitialized.
func (u *uninitPage) swapIn(p *Page, kva uintptr) *kernel.Error {
	ops, err := u.pageInit(p, u, kva)
	if err != nil {
		return err
	}

	p.become(ops)
	if u.init != nil {
		if err = u.init(p, u.aux); err != nil {
			p.become(u)
			return err
		}
	}

	return nil
}

func (u *uninitPage) swapOut(p *Page) *kernel.Error {
	return errUninitSwapOut
}

func (u *uninitPage) destroy(p *Page) {
	u.aux = nil
}
