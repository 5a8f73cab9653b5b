package payment

// 多签要求保存在意图 metadata 中的键。
const (
	MetaRequiresMultisig    = "requires_multisig"
	MetaSignersRequired     = "signers_required"
	MetaSignaturesCollected = "signatures_collected"
	MetaSignatureThreshold  = "signatures_threshold"
	MetaRecovery            = "recovery"
)

// RequiresMultisig 判断意图是否需要多签。
func (i *Intent) RequiresMultisig() bool {
	v, _ := i.Metadata[MetaRequiresMultisig].(bool)
	return v
}

// SignersRequired 返回创建时固定的授权签名者集合。
func (i *Intent) SignersRequired() []string {
	return toStrings(i.Metadata[MetaSignersRequired])
}

// SignaturesCollected 返回 signer -> signature 的副本。
func (i *Intent) SignaturesCollected() map[string]string {
	return toStringMap(i.Metadata[MetaSignaturesCollected])
}

// SignatureThreshold 返回创建时固定的签名数量要求。
func (i *Intent) SignatureThreshold() int {
	switch v := i.Metadata[MetaSignatureThreshold].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetadataString 返回 metadata 中的字符串值。
func (i *Intent) MetadataString(key string) string {
	v, _ := i.Metadata[key].(string)
	return v
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toStringMap(v any) map[string]string {
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[string]any:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func containsSigner(signers []string, signer string) bool {
	for _, s := range signers {
		if s == signer {
			return true
		}
	}
	return false
}

// cloneMetadata 深拷贝 metadata，避免调用方与存储共享嵌套的 map 与 slice。
func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMetadata(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
