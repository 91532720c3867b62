package provision

import (
	"github.com/me/gowe-launcher/pkg/param"
)

// Rewrite returns the document handed to the engine: doc with the path and
// location of every provisioned entry replaced by its local path. Only the
// fields that were present are replaced; everything else is carried over
// unchanged. doc itself is not modified.
func Rewrite(doc param.Document, inputs *ProvisionMap, outputs *OutputMap) param.Document {
	out := make(param.Document, len(doc))
	for id, v := range doc {
		out[id] = rewriteValue(id, v, inputs, outputs, true)
	}
	return out
}

func rewriteValue(id string, v param.Value, inputs *ProvisionMap, outputs *OutputMap, top bool) param.Value {
	switch val := v.(type) {
	case *param.FileRef:
		key := id
		if !top {
			key = ElementKey(id, val.Ref())
		}
		local, ok := lookupLocal(id, key, val.Ref(), inputs, outputs)
		if !ok {
			return val
		}
		return rewriteFile(id, val, local, inputs)
	case param.List:
		list := make(param.List, len(val))
		for i, elem := range val {
			list[i] = rewriteValue(id, elem, inputs, outputs, false)
		}
		return list
	default:
		return v
	}
}

// lookupLocal finds the local path for a file reference: the staged input
// first, then the planned output destination.
func lookupLocal(id, key, ref string, inputs *ProvisionMap, outputs *OutputMap) (string, bool) {
	if info, ok := inputs.Get(key); ok {
		return info.LocalPath, true
	}
	dest, ok := outputs.Get(id)
	if !ok {
		return "", false
	}
	for _, e := range dest.Entries {
		if e.RemoteRef == ref {
			return e.LocalPath, true
		}
	}
	return "", false
}

func rewriteFile(id string, f *param.FileRef, local string, inputs *ProvisionMap) *param.FileRef {
	c := f.Clone()
	setLocal(c, local)
	for i, sv := range c.SecondaryFiles {
		sf, ok := sv.(*param.FileRef)
		if !ok {
			continue
		}
		if info, ok := inputs.Get(ElementKey(id, sf.Ref())); ok {
			sc := sf.Clone()
			setLocal(sc, info.LocalPath)
			c.SecondaryFiles[i] = sc
		}
	}
	return c
}

func setLocal(f *param.FileRef, local string) {
	if f.Path != "" {
		f.Path = local
	}
	if f.Location != "" {
		f.Location = local
	}
}
