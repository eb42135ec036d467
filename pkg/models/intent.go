package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// NodeArch is the architecture the virtual node advertises; Pods selecting
// a different arch cannot run here.
const NodeArch = "wasm32-wasmcloud"

// Capability contract identifiers understood by the wasmCloud host.
const (
	HTTPCapability = "wasmcloud:httpserver"
	BlobCapability = "wasmcloud:blobstore"
	LogCapability  = "wasmcloud:logging"
)

// Link configuration keys for the built-in capability providers.
const (
	HTTPPortKey    = "PORT"
	BlobRootKey    = "ROOT"
	LogPathKey     = "LOG_PATH"
	BlobBindingKey = "BINDING"
)

// CapabilityKind is the set of capability contracts the provider can bind.
type CapabilityKind string

const (
	CapabilityHTTPServer CapabilityKind = "httpserver"
	CapabilityBlobStore  CapabilityKind = "blobstore"
	CapabilityLogging    CapabilityKind = "logging"
)

// Contract returns the wasmCloud contract identifier for the kind.
func (k CapabilityKind) Contract() (string, error) {
	switch k {
	case CapabilityHTTPServer:
		return HTTPCapability, nil
	case CapabilityBlobStore:
		return BlobCapability, nil
	case CapabilityLogging:
		return LogCapability, nil
	}
	return "", fmt.Errorf("unsupported capability kind %q", string(k))
}

// ModuleRef is a parsed actor module image reference.
type ModuleRef struct {
	Registry   string
	Repository string
	Tag        string
}

// ParseModuleRef parses a container image reference into a module
// reference. The accepted grammar is registry-optional:
// [registry/]repository[:tag], defaulting the tag to "latest".
func ParseModuleRef(image string) (ModuleRef, error) {
	if strings.TrimSpace(image) == "" {
		return ModuleRef{}, fmt.Errorf("empty module reference")
	}
	if strings.ContainsAny(image, " \t") {
		return ModuleRef{}, fmt.Errorf("module reference %q contains whitespace", image)
	}

	ref := ModuleRef{Tag: "latest"}
	rest := image
	if i := strings.LastIndex(rest, ":"); i >= 0 && !strings.Contains(rest[i+1:], "/") {
		if rest[i+1:] == "" {
			return ModuleRef{}, fmt.Errorf("module reference %q has an empty tag", image)
		}
		ref.Tag = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		first := rest[:i]
		// Only treat the first segment as a registry when it looks like a
		// host (contains a dot, a port, or is "localhost").
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			ref.Registry = first
			rest = rest[i+1:]
		}
	}
	if rest == "" {
		return ModuleRef{}, fmt.Errorf("module reference %q has no repository", image)
	}
	ref.Repository = rest
	return ref, nil
}

func (r ModuleRef) String() string {
	s := r.Repository + ":" + r.Tag
	if r.Registry != "" {
		s = r.Registry + "/" + s
	}
	return s
}

// CapabilityBinding is the configuration for one capability link of one
// actor. Values are immutable once computed for an intent generation.
type CapabilityBinding struct {
	Kind CapabilityKind
	// BindingName distinguishes multiple links on the same contract
	// (one blobstore link per volume). Empty means the default link.
	BindingName string
	// Values is the link configuration handed to the runtime.
	Values map[string]string
	// Files holds resolved ConfigMap/Secret payloads that must exist on
	// disk (under the blobstore root) before the link is configured.
	Files map[string][]byte
}

// ActorIntent is the desired state for one container of a Pod: which module
// to run and which capabilities it must be granted. Intents are recomputed
// wholesale from the Pod spec and never mutated in place.
type ActorIntent struct {
	ContainerName string
	Module        ModuleRef
	// PublicKey optionally pins the actor identity claim expected from
	// the module's signature.
	PublicKey string
	Env       map[string]string
	Bindings  []CapabilityBinding
	// HTTPPort is the host port served by the httpserver capability, 0 if
	// the container declares no ports.
	HTTPPort int32
}

// Hash returns a stable digest of the intent, used to decide whether an
// existing actor still matches the desired state.
func (in ActorIntent) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d\n", in.ContainerName, in.Module, in.PublicKey, in.HTTPPort)
	for _, k := range sortedKeys(in.Env) {
		fmt.Fprintf(h, "env:%s=%s\n", k, in.Env[k])
	}
	for _, b := range in.Bindings {
		fmt.Fprintf(h, "cap:%s/%s\n", b.Kind, b.BindingName)
		for _, k := range sortedKeys(b.Values) {
			fmt.Fprintf(h, "val:%s=%s\n", k, b.Values[k])
		}
		for _, name := range sortedFileNames(b.Files) {
			sum := sha256.Sum256(b.Files[name])
			fmt.Fprintf(h, "file:%s=%x\n", name, sum)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFileNames(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
